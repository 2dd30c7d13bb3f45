// mock is an in-memory stand-in for the EC2 instance API. It models just
// enough of the instance lifecycle to exercise provisioning and teardown:
// every 'DescribeInstances' call advances transitional instances by one
// step, states only ever move forward, and every state an instance passes
// through is recorded.
package mock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

type EC2 struct {
	// PendingPolls is how many describe calls a launched instance stays
	// "pending" for. Defaults to 1.
	PendingPolls int
	// HiddenPolls is how many describe-by-ID calls a launched instance is
	// unknown to, mimicking EC2's eventual consistency.
	HiddenPolls int
	// Hostname is the public DNS name given to launched instances.
	Hostname string
	// LoseLaunches makes launched instances go from "pending" straight to
	// "terminated".
	LoseLaunches bool

	mu        sync.Mutex
	seq       int
	order     []string
	instances map[string]*instance
	tokens    map[string]string
	failures  map[string]error
	calls     map[string]int
}

type instance struct {
	id       string
	state    types.InstanceStateName
	hostname string
	tags     []types.Tag
	// polls counts describe calls seen in the current state.
	polls   int
	hidden  int
	lose    bool
	history []types.InstanceStateName
}

func New() *EC2 {
	return &EC2{
		PendingPolls: 1,
		instances:    map[string]*instance{},
		tokens:       map[string]string{},
		failures:     map[string]error{},
		calls:        map[string]int{},
	}
}

// Seed adds an instance in 'state'. An empty 'name' leaves it untagged.
func (m *EC2) Seed(name string, state types.InstanceStateName) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.add(state)
	if name != "" {
		inst.tags = append(inst.tags, types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	return inst.id
}

// Fail makes every following call to 'op' (e.g. "RunInstances") return
// 'err'. A nil 'err' clears the failure.
func (m *EC2) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls is the number of calls made to 'op', failed ones included.
func (m *EC2) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// State is the current state of instance 'id', or "" if unknown.
func (m *EC2) State(id string) types.InstanceStateName {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		return inst.state
	}
	return ""
}

// History lists every state instance 'id' has been in, oldest first.
func (m *EC2) History(id string) []types.InstanceStateName {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		return slices.Clone(inst.history)
	}
	return nil
}

// IDs lists all instance IDs in creation order.
func (m *EC2) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Tags returns the tags of instance 'id' as a map.
func (m *EC2) Tags(id string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := map[string]string{}
	if inst, ok := m.instances[id]; ok {
		for _, t := range inst.tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	return tags
}

func (m *EC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("DescribeInstances"); err != nil {
		return nil, err
	}
	for _, id := range m.order {
		m.advance(m.instances[id])
	}

	var matched []types.Instance
	if len(in.InstanceIds) > 0 {
		for _, id := range in.InstanceIds {
			inst, ok := m.instances[id]
			if !ok || inst.hidden > 0 {
				if ok {
					inst.hidden--
				}
				return nil, notFound(id)
			}
		}
	}
	for _, id := range m.order {
		inst := m.instances[id]
		if len(in.InstanceIds) > 0 && !slices.Contains(in.InstanceIds, id) {
			continue
		}
		if !inst.matches(in.Filters) {
			continue
		}
		matched = append(matched, inst.describe())
	}
	out := &ec2.DescribeInstancesOutput{}
	if len(matched) > 0 {
		out.Reservations = []types.Reservation{{Instances: matched}}
	}
	return out, nil
}

func (m *EC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("RunInstances"); err != nil {
		return nil, err
	}
	if aws.ToInt32(in.MinCount) != 1 || aws.ToInt32(in.MaxCount) != 1 {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "only single instance launches are supported"}
	}
	token := aws.ToString(in.ClientToken)
	if id, ok := m.tokens[token]; ok && token != "" {
		return &ec2.RunInstancesOutput{Instances: []types.Instance{m.instances[id].describe()}}, nil
	}
	inst := m.add(types.InstanceStateNamePending)
	inst.hidden = m.HiddenPolls
	inst.lose = m.LoseLaunches
	for _, spec := range in.TagSpecifications {
		if spec.ResourceType == types.ResourceTypeInstance {
			inst.tags = append(inst.tags, spec.Tags...)
		}
	}
	if token != "" {
		m.tokens[token] = inst.id
	}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{inst.describe()}}, nil
}

func (m *EC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateTags"); err != nil {
		return nil, err
	}
	for _, id := range in.Resources {
		inst, ok := m.instances[id]
		if !ok {
			return nil, notFound(id)
		}
		for _, tag := range in.Tags {
			inst.tags = slices.DeleteFunc(inst.tags, func(t types.Tag) bool {
				return aws.ToString(t.Key) == aws.ToString(tag.Key)
			})
			inst.tags = append(inst.tags, tag)
		}
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (m *EC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("TerminateInstances"); err != nil {
		return nil, err
	}
	out := &ec2.TerminateInstancesOutput{}
	for _, id := range in.InstanceIds {
		inst, ok := m.instances[id]
		if !ok {
			return nil, notFound(id)
		}
		previous := inst.state
		if inst.state != types.InstanceStateNameTerminated && inst.state != types.InstanceStateNameShuttingDown {
			inst.transition(types.InstanceStateNameShuttingDown)
		}
		out.TerminatingInstances = append(out.TerminatingInstances, types.InstanceStateChange{
			InstanceId:    aws.String(id),
			PreviousState: &types.InstanceState{Name: previous},
			CurrentState:  &types.InstanceState{Name: inst.state},
		})
	}
	return out, nil
}

func (m *EC2) call(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *EC2) add(state types.InstanceStateName) *instance {
	m.seq++
	inst := &instance{
		id:       fmt.Sprintf("i-%017x", m.seq),
		hostname: m.Hostname,
	}
	inst.transition(state)
	m.instances[inst.id] = inst
	m.order = append(m.order, inst.id)
	return inst
}

// advance moves a transitional instance one step along its lifecycle.
func (m *EC2) advance(inst *instance) {
	inst.polls++
	switch inst.state {
	case types.InstanceStateNamePending:
		if inst.lose {
			inst.transition(types.InstanceStateNameTerminated)
		} else if inst.polls >= m.PendingPolls {
			inst.transition(types.InstanceStateNameRunning)
		}
	case types.InstanceStateNameShuttingDown:
		inst.transition(types.InstanceStateNameTerminated)
	case types.InstanceStateNameStopping:
		inst.transition(types.InstanceStateNameStopped)
	}
}

func (i *instance) transition(state types.InstanceStateName) {
	i.state = state
	i.polls = 0
	i.history = append(i.history, state)
}

func (i *instance) describe() types.Instance {
	out := types.Instance{
		InstanceId: aws.String(i.id),
		State:      &types.InstanceState{Name: i.state},
		Tags:       slices.Clone(i.tags),
	}
	if i.state == types.InstanceStateNameRunning {
		out.PublicDnsName = aws.String(i.hostname)
	}
	return out
}

// matches supports the 'instance-state-name' and 'tag:<key>' filters.
func (i *instance) matches(filters []types.Filter) bool {
	for _, f := range filters {
		name := aws.ToString(f.Name)
		switch {
		case name == "instance-state-name":
			if !slices.Contains(f.Values, string(i.state)) {
				return false
			}
		case strings.HasPrefix(name, "tag:"):
			key := strings.TrimPrefix(name, "tag:")
			var value string
			var ok bool
			for _, t := range i.tags {
				if aws.ToString(t.Key) == key {
					value, ok = aws.ToString(t.Value), true
				}
			}
			if !ok || !slices.Contains(f.Values, value) {
				return false
			}
		}
	}
	return true
}

func notFound(id string) error {
	return &smithy.GenericAPIError{
		Code:    "InvalidInstanceID.NotFound",
		Message: fmt.Sprintf("The instance ID '%s' does not exist", id),
	}
}

package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

// State is an instance lifecycle state as reported by EC2.
type State string

const (
	StatePending      State = State(types.InstanceStateNamePending)
	StateRunning      State = State(types.InstanceStateNameRunning)
	StateShuttingDown State = State(types.InstanceStateNameShuttingDown)
	StateTerminated   State = State(types.InstanceStateNameTerminated)
	StateStopping     State = State(types.InstanceStateNameStopping)
	StateStopped      State = State(types.InstanceStateNameStopped)
)

// gone reports whether an instance in this state will never be running
// again without an explicit start.
func (s State) gone() bool {
	switch s {
	case StateShuttingDown, StateTerminated, StateStopping, StateStopped:
		return true
	default:
		return false
	}
}

// Instance is a snapshot of one EC2 instance, taken from a single provider
// response.
type Instance struct {
	ID string
	// Name is the value of the 'Name' tag, if 'Named'.
	Name  string
	Named bool
	State State
	// Hostname is the public DNS name, or the public IP when the instance
	// has no DNS name.
	Hostname string
}

func instanceFrom(i types.Instance) Instance {
	inst := Instance{
		ID: aws.ToString(i.InstanceId),
	}
	if i.State != nil {
		inst.State = State(i.State.Name)
	}
	inst.Hostname = aws.ToString(i.PublicDnsName)
	if inst.Hostname == "" {
		inst.Hostname = aws.ToString(i.PublicIpAddress)
	}
	inst.Name, inst.Named = tagValue(i.Tags, tagKeyName)
	return inst
}

var ErrInstanceLost = fmt.Errorf("instance disappeared before reaching the desired state")

// describeInstance fetches the current state of a single instance. A nil
// instance means EC2 does not know the ID.
func describeInstance(ctx context.Context, api API, id string) (*Instance, error) {
	out, err := api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, providerError(ctx, "DescribeInstances", err)
	}
	for _, r := range out.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) == id {
				inst := instanceFrom(i)
				return &inst, nil
			}
		}
	}
	return nil, nil
}

// listInstances returns every instance matching 'filters', across all
// result pages.
func listInstances(ctx context.Context, api API, filters ...types.Filter) ([]Instance, error) {
	paginator := ec2.NewDescribeInstancesPaginator(api, &ec2.DescribeInstancesInput{
		Filters: filters,
	})
	var instances []Instance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, providerError(ctx, "DescribeInstances", err)
		}
		for _, r := range page.Reservations {
			for _, i := range r.Instances {
				instances = append(instances, instanceFrom(i))
			}
		}
	}
	return instances, nil
}

func filterState(s State) types.Filter {
	return types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: []string{string(s)},
	}
}

func filterName(name string) types.Filter {
	return types.Filter{
		Name:   aws.String("tag:" + tagKeyName),
		Values: []string{name},
	}
}

// FindRunning returns the first running instance whose 'Name' tag equals
// 'name', or nil if there is none.
func (d *Driver) FindRunning(ctx context.Context, name string) (inst *Instance, err error) {
	ctx, end := span(ctx, "FindRunning", nodeAttr(name))
	defer end(&err)
	api, err := d.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return findRunning(ctx, api, name)
}

func findRunning(ctx context.Context, api API, name string) (*Instance, error) {
	instances, err := listInstances(ctx, api, filterState(StateRunning), filterName(name))
	if err != nil {
		return nil, err
	}
	// The tag filter also matches wildcards, so compare exactly.
	for _, inst := range instances {
		if inst.Named && inst.Name == name && inst.State == StateRunning {
			clog.FromContext(ctx).Debug("found running instance", "name", name, "instance_id", inst.ID)
			return &inst, nil
		}
	}
	return nil, nil
}

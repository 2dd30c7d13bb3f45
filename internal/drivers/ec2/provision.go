package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/o11y"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInstanceCreate            = fmt.Errorf("failed to create EC2 instance")
	ErrInstanceCreateNoInstances = fmt.Errorf("encountered no error during " +
		"instance launch, but no instance was actually created")
	ErrInstanceCreateIDNil = fmt.Errorf("encountered no error during instance " +
		"launch, but the returned instance ID was nil")
)

// Provision returns the running instance named 'name', launching and naming
// a new one if there is none.
func (d *Driver) Provision(ctx context.Context, name string) (inst *Instance, err error) {
	ctx, end := span(ctx, "Provision", nodeAttr(name))
	defer end(&err)
	api, err := d.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return d.provision(ctx, api, name)
}

func (d *Driver) provision(ctx context.Context, api API, name string) (*Instance, error) {
	log := clog.FromContext(ctx).With("name", name)
	existing, err := findRunning(ctx, api, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Info("instance already running", "instance_id", existing.ID)
		return existing, nil
	}

	id, err := d.launch(ctx, api)
	if err != nil {
		return nil, err
	}
	log = log.With("instance_id", id)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(o11y.AttrInstanceID, id))
	log.Info("launched instance, waiting for it to run")

	inst, err := d.awaitRunning(clog.WithLogger(ctx, log), api, id)
	if err != nil {
		return nil, err
	}
	if _, err := api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      []types.Tag{tagName(name)},
	}); err != nil {
		return nil, providerError(ctx, "CreateTags", err)
	}
	inst.Name, inst.Named = name, true
	log.Info("instance is running", "hostname", inst.Hostname)
	return inst, nil
}

// launch starts exactly one instance and returns its ID. A fresh client
// token is used per call, so a request replayed by the transport never
// starts a second instance.
func (d *Driver) launch(ctx context.Context, api API) (string, error) {
	out, err := api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(d.cfg.AMI),
		KeyName:      aws.String(d.cfg.KeyName),
		InstanceType: d.cfg.instanceType(),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(uuid.NewString()),
		TagSpecifications: tagSpecificationWithDefaults(
			types.ResourceTypeInstance,
		),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInstanceCreate, providerError(ctx, "RunInstances", err))
	}
	if len(out.Instances) < 1 {
		return "", ErrInstanceCreateNoInstances
	}
	instance := &out.Instances[0]
	if instance.InstanceId == nil {
		return "", ErrInstanceCreateIDNil
	}
	d.metrics.InstancesCreated.Inc()
	return *instance.InstanceId, nil
}

// awaitRunning polls a freshly launched instance until it is running.
//
// EC2 is eventually consistent: a new ID may be unknown to the first few
// describe calls, which only means "not yet".
func (d *Driver) awaitRunning(ctx context.Context, api API, id string) (*Instance, error) {
	var inst *Instance
	err := d.poller("running").until(ctx, "instance running", func(ctx context.Context) (bool, error) {
		current, err := describeInstance(ctx, api, id)
		if err != nil {
			return false, err
		}
		if current == nil {
			clog.FromContext(ctx).Debug("instance not visible yet")
			return false, nil
		}
		switch {
		case current.State == StateRunning:
			inst = current
			return true, nil
		case current.State.gone():
			return false, fmt.Errorf("%w: %s is %s", ErrInstanceLost, id, current.State)
		}
		clog.FromContext(ctx).Debug("instance not running yet", "state", current.State)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

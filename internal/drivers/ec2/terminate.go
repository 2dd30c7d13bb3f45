package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

var ErrInstanceDelete = fmt.Errorf("failed to delete EC2 instance")

// Terminate terminates every running instance named 'name' and waits for
// each to report "terminated".
func (d *Driver) Terminate(ctx context.Context, name string) (err error) {
	ctx, end := span(ctx, "Terminate", nodeAttr(name))
	defer end(&err)
	return d.terminateMatching(ctx, "terminate", func(inst Instance) bool {
		return inst.Named && inst.Name == name
	}, filterName(name))
}

// TerminateUnnamed terminates every running instance without a 'Name' tag.
func (d *Driver) TerminateUnnamed(ctx context.Context) (err error) {
	ctx, end := span(ctx, "TerminateUnnamed")
	defer end(&err)
	return d.terminateMatching(ctx, "terminate_unnamed", func(inst Instance) bool {
		return !inst.Named
	})
}

// TerminateAll terminates every running instance in the region, named or
// not.
func (d *Driver) TerminateAll(ctx context.Context) (err error) {
	ctx, end := span(ctx, "TerminateAll")
	defer end(&err)
	return d.terminateMatching(ctx, "terminate_all", func(Instance) bool {
		return true
	})
}

func (d *Driver) terminateMatching(
	ctx context.Context,
	op string,
	match func(Instance) bool,
	filters ...types.Filter,
) error {
	log := clog.FromContext(ctx).With("operation", op)
	api, err := d.Connect(ctx)
	if err != nil {
		return err
	}
	running, err := listInstances(ctx, api, append(filters, filterState(StateRunning))...)
	if err != nil {
		return err
	}
	var targets []Instance
	for _, inst := range running {
		if inst.State == StateRunning && match(inst) {
			targets = append(targets, inst)
		}
	}
	if len(targets) == 0 {
		log.Info("no matching running instances")
		return nil
	}

	// One instance at a time, carrying on past failures.
	var errs error
	for _, inst := range targets {
		if err := ctx.Err(); err != nil {
			return errors.Join(errs, err)
		}
		if err := d.terminate(ctx, api, inst); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		d.metrics.InstancesTerminated.WithLabelValues(op).Inc()
	}
	return errs
}

func (d *Driver) terminate(ctx context.Context, api API, inst Instance) error {
	log := clog.FromContext(ctx).With("instance_id", inst.ID, "name", inst.Name)
	log.Info("terminating instance")
	_, err := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{inst.ID},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstanceDelete, inst.ID, providerError(ctx, "TerminateInstances", err))
	}
	err = d.poller("terminated").until(clog.WithLogger(ctx, log), "instance terminated", func(ctx context.Context) (bool, error) {
		current, err := describeInstance(ctx, api, inst.ID)
		if err != nil {
			return false, err
		}
		// EC2 eventually forgets terminated instances.
		if current == nil || current.State == StateTerminated {
			return true, nil
		}
		clog.FromContext(ctx).Debug("instance still terminating, waiting longer", "state", current.State)
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstanceDelete, inst.ID, err)
	}
	log.Info("instance termination complete")
	return nil
}

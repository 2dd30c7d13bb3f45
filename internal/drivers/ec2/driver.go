package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/nodedriver/internal/credentials"
	"github.com/chainguard-dev/nodedriver/internal/drivers"
	"github.com/chainguard-dev/nodedriver/internal/metrics"
	"github.com/chainguard-dev/nodedriver/internal/o11y"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// API is the subset of the EC2 client used by the driver.
type API interface {
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

var (
	_ API                 = (*ec2.Client)(nil)
	_ drivers.Provisioner = (*Driver)(nil)
)

var (
	ErrProvider = fmt.Errorf("EC2 request failed")
	ErrConnect  = fmt.Errorf("failed to construct EC2 client")
)

var tracer = otel.Tracer("github.com/chainguard-dev/nodedriver/internal/drivers/ec2")

type Driver struct {
	cfg     Config
	store   *credentials.Store
	metrics *metrics.Metrics

	// api, when set, replaces the client 'Connect' would build.
	api API
}

type Option func(*Driver)

// WithAPI makes every operation use 'api' instead of connecting to AWS.
func WithAPI(api API) Option {
	return func(d *Driver) {
		d.api = api
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

// New builds a driver from 'cfg', filling in defaults. Credentials and the
// SSH key file are read from 'store' when needed, not at construction.
func New(cfg Config, store *credentials.Store, opts ...Option) (*Driver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:   cfg,
		store: store,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil)
	}
	return d, nil
}

// Config returns the effective configuration, defaults applied.
func (d *Driver) Config() Config {
	return d.cfg
}

// Connect builds an EC2 client for the configured region from the stored
// credentials. Missing or malformed credentials wrap
// 'credentials.ErrCredential'.
//
// SDK retries are disabled: a failed request surfaces immediately as
// 'ErrProvider'.
func (d *Driver) Connect(ctx context.Context) (API, error) {
	if d.api != nil {
		return d.api, nil
	}
	// Fail on bad credentials here rather than on the first request.
	if _, err := d.store.Load(ctx); err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(d.cfg.Region),
		config.WithCredentialsProvider(aws.NewCredentialsCache(d.store)),
		config.WithRetryer(func() aws.Retryer {
			return aws.NopRetryer{}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	clog.FromContext(ctx).Debug("constructed EC2 client", "region", d.cfg.Region)
	return ec2.NewFromConfig(awsCfg), nil
}

func (d *Driver) CredentialsPresent() bool {
	return d.store.CredentialsPresent()
}

func (d *Driver) KeyFilePresent() bool {
	return d.store.KeyFilePresent()
}

func (d *Driver) SaveCredentials(ctx context.Context, accessKeyID, secretAccessKey string) error {
	return d.store.Save(ctx, accessKeyID, secretAccessKey)
}

func (d *Driver) SaveKeyFile(ctx context.Context, path string) error {
	return d.store.SaveKeyFile(ctx, path)
}

// providerError wraps a failed EC2 request, logging the AWS error code when
// there is one.
func providerError(ctx context.Context, op string, err error) error {
	log := clog.FromContext(ctx).With("operation", op)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		log.Error("EC2 request failed", "code", apiErr.ErrorCode(), "message", apiErr.ErrorMessage())
	} else {
		log.Error("EC2 request failed", "error", err)
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
}

// isNotFound reports whether 'err' is EC2's answer for an instance ID it
// does not (yet, or any longer) know about.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}

// span starts a span for a driver operation and returns a function ending
// it, recording 'err' if set.
func span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, s := tracer.Start(ctx, "ec2."+op, trace.WithAttributes(attrs...))
	return ctx, func(err *error) {
		if err != nil && *err != nil {
			s.RecordError(*err)
			s.SetStatus(codes.Error, (*err).Error())
		}
		s.End()
	}
}

func nodeAttr(name string) attribute.KeyValue {
	return attribute.String(o11y.AttrNode, name)
}

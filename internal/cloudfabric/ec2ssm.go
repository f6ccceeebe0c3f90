package cloudfabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// EC2SSMFabric is the production state fabric: EC2 for instance inventory
// and bulk create/terminate/tag, SSM Parameter Store for registration
// secrets and the runner-group-id cache. Grounded on
// internal/provider/ec2/ec2.go's client construction and tag handling,
// extended to the sibling SSM service per SPEC_FULL §2.
type EC2SSMFabric struct {
	ec2    *ec2.Client
	ssm    *ssm.Client
	aws    config.AWSConfig
	logger *slog.Logger
	dryRun bool
}

// NewEC2SSMFabric creates a new EC2/SSM-backed fabric.
func NewEC2SSMFabric(ctx context.Context, cfg config.AWSConfig, dryRun bool, logger *slog.Logger) (*EC2SSMFabric, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2SSMFabric{
		ec2:    ec2.NewFromConfig(awsCfg),
		ssm:    ssm.NewFromConfig(awsCfg),
		aws:    cfg,
		logger: logger.With("fabric", "ec2-ssm"),
		dryRun: dryRun,
	}, nil
}

func (f *EC2SSMFabric) ListInstances(ctx context.Context, filter ListFilter) ([]models.InstanceRecord, error) {
	ec2Filters := []types.Filter{
		{Name: aws.String("tag:" + models.TagApplication), Values: []string{models.ApplicationMarker}},
	}
	if filter.Environment != "" {
		ec2Filters = append(ec2Filters, types.Filter{
			Name:   aws.String("tag:" + models.TagEnvironment),
			Values: []string{filter.Environment},
		})
	}
	for k, v := range filter.ExtraTags {
		ec2Filters = append(ec2Filters, types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}
	if len(filter.States) > 0 {
		ec2Filters = append(ec2Filters, types.Filter{Name: aws.String("instance-state-name"), Values: filter.States})
	}

	var out []models.InstanceRecord
	paginator := ec2.NewDescribeInstancesPaginator(f.ec2, &ec2.DescribeInstancesInput{Filters: ec2Filters})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			for _, instance := range reservation.Instances {
				out = append(out, instanceFromEC2(instance))
			}
		}
	}
	return out, nil
}

func instanceFromEC2(instance types.Instance) models.InstanceRecord {
	tags := map[string]string{}
	for _, t := range instance.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	launch := time.Time{}
	if instance.LaunchTime != nil {
		launch = *instance.LaunchTime
	}

	state := ""
	if instance.State != nil {
		state = string(instance.State.Name)
	}

	return instanceRecordFromTags(aws.ToString(instance.InstanceId), launch, state, tags)
}

func (f *EC2SSMFabric) CreateFleet(ctx context.Context, spec FleetSpec) (FleetResult, error) {
	if spec.Count <= 0 {
		return FleetResult{}, nil
	}

	tagMap := BuildTagSet(spec)
	var ec2Tags []types.Tag
	for k, v := range tagMap {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	if f.dryRun {
		f.logger.Info("dry-run: would call CreateFleet", "count", spec.Count, "scope", spec.Scope.Key())
		// A dry-run create_fleet is a synthetic success, not a failure: it
		// must hand the rest of the pipeline (tagging, secret provisioning)
		// the same shape CreateFleet would return, or a zero-instance
		// result reads as a fatal scale error downstream.
		result := FleetResult{CreatedInstanceIDs: make([]string, spec.Count)}
		for i := range result.CreatedInstanceIDs {
			result.CreatedInstanceIDs[i] = "dryrun-" + uuid.NewString()
		}
		return result, nil
	}

	var overrides []types.FleetLaunchTemplateOverridesRequest
	for _, o := range spec.Overrides {
		ov := types.FleetLaunchTemplateOverridesRequest{
			SubnetId:     aws.String(o.SubnetID),
			InstanceType: types.InstanceType(o.InstanceType),
		}
		if o.AMIOverride != "" {
			ov.ImageId = aws.String(o.AMIOverride)
		}
		overrides = append(overrides, ov)
	}
	if len(overrides) == 0 {
		overrides = []types.FleetLaunchTemplateOverridesRequest{{}}
	}

	input := &ec2.CreateFleetInput{
		Type: types.FleetTypeInstant,
		LaunchTemplateConfigs: []types.FleetLaunchTemplateConfigRequest{
			{
				LaunchTemplateSpecification: &types.FleetLaunchTemplateSpecificationRequest{
					LaunchTemplateId: aws.String(f.aws.LaunchTemplateID),
					Version:          aws.String("$Latest"),
				},
				Overrides: overrides,
			},
		},
		TargetCapacitySpecification: &types.TargetCapacitySpecificationRequest{
			TotalTargetCapacity: aws.Int32(int32(spec.Count)),
			DefaultTargetCapacityType: types.DefaultTargetCapacityType("on-demand"),
		},
		TagSpecifications: []types.TagSpecification{
			{ResourceType: types.ResourceTypeInstance, Tags: ec2Tags},
		},
	}

	out, err := f.ec2.CreateFleet(ctx, input)
	if err != nil {
		return FleetResult{}, fmt.Errorf("CreateFleet call failed: %w", err)
	}

	var result FleetResult
	for _, inst := range out.Instances {
		result.CreatedInstanceIDs = append(result.CreatedInstanceIDs, inst.InstanceIds...)
	}
	for _, e := range out.Errors {
		result.Errors = append(result.Errors, FleetError{
			Code:    aws.ToString(e.ErrorCode),
			Message: aws.ToString(e.ErrorMessage),
		})
	}
	return result, nil
}

func (f *EC2SSMFabric) Terminate(ctx context.Context, instanceID string) error {
	if f.dryRun {
		f.logger.Info("dry-run: would terminate instance", "instance_id", instanceID)
		return nil
	}
	_, err := f.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil
		}
		return fmt.Errorf("failed to terminate instance %s: %w", instanceID, err)
	}
	return nil
}

func (f *EC2SSMFabric) Tag(ctx context.Context, instanceID string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	if f.dryRun {
		f.logger.Info("dry-run: would tag instance", "instance_id", instanceID, "tags", kv)
		return nil
	}
	var tags []types.Tag
	for k, v := range kv {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := f.ec2.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{instanceID}, Tags: tags})
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

func (f *EC2SSMFabric) Untag(ctx context.Context, instanceID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if f.dryRun {
		f.logger.Info("dry-run: would untag instance", "instance_id", instanceID, "keys", keys)
		return nil
	}
	var tags []types.Tag
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k)})
	}
	_, err := f.ec2.DeleteTags(ctx, &ec2.DeleteTagsInput{Resources: []string{instanceID}, Tags: tags})
	if err != nil {
		return fmt.Errorf("failed to untag instance %s: %w", instanceID, err)
	}
	return nil
}

func (f *EC2SSMFabric) PutSecret(ctx context.Context, path, value string, tags map[string]string) error {
	if f.dryRun {
		f.logger.Info("dry-run: would put secret", "path", path)
		return nil
	}

	_, err := f.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to put secret %s: %w", path, err)
	}

	if len(tags) > 0 {
		var ssmTags []ssmtypes.Tag
		for k, v := range tags {
			ssmTags = append(ssmTags, ssmtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		// SSM rejects Tags on an Overwrite PutParameter call, so tags are
		// applied in a second request against the resource directly.
		_, err := f.ssm.AddTagsToResource(ctx, &ssm.AddTagsToResourceInput{
			ResourceType: ssmtypes.ResourceTypeForTaggingParameter,
			ResourceId:   aws.String(path),
			Tags:         ssmTags,
		})
		if err != nil {
			f.logger.Warn("failed to tag secret parameter", "path", path, "error", err)
		}
	}

	return nil
}

func (f *EC2SSMFabric) GetParameter(ctx context.Context, name string) (string, error) {
	out, err := f.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", ErrParameterNotFound
		}
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", ErrParameterNotFound
	}
	return *out.Parameter.Value, nil
}

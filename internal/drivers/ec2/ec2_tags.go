package ec2

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// tagSpecificationWithDefaults produces a tag specification where the 'defaultTags'
// values are appended to the end of the 'withTags' variadic input values.
//
// The 'Name' tag is deliberately not part of the launch request: it is only
// applied once the instance is running.
func tagSpecificationWithDefaults(rt types.ResourceType, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{
			ResourceType: rt,
			Tags:         append(withTags, tagsDefault()...),
		},
	}
}

const (
	// 'Name' is well-known within AWS itself and identifies a node. The rest
	// mark instances as launched by this tool.
	tagKeyName      = "Name"
	tagKeyProject   = "Project"
	tagKeyManagedBy = "ManagedBy"

	tagDefaultProject   = "nodedriver"
	tagDefaultManagedBy = "nodectl"
)

// tagsDefault produces the standard key-value pairs which should be associated
// to all launched instances.
func tagsDefault() []types.Tag {
	return []types.Tag{
		{
			Key:   aws.String(tagKeyProject),
			Value: aws.String(tagDefaultProject),
		},
		{
			Key:   aws.String(tagKeyManagedBy),
			Value: aws.String(tagDefaultManagedBy),
		},
	}
}

func tagName(name string) types.Tag {
	return types.Tag{
		Key:   aws.String(tagKeyName),
		Value: aws.String(name),
	}
}

// tagValue looks up 'key' in 'tags'.
func tagValue(tags []types.Tag, key string) (string, bool) {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value), true
		}
	}
	return "", false
}

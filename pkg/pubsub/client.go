// Package pubsub connects the outbox publisher to the billing topics.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/logger"
)

var errProjectIDRequired = errors.New("gcp project id is required")

type topicGetter interface {
	GetTopic(ctx context.Context, req *pubsubpb.GetTopicRequest, opts ...gax.CallOption) (*pubsubpb.Topic, error)
}

// Client owns the Pub/Sub connection. The billing topic and, when set, the
// payment alerts topic must exist before anything is published.
type Client struct {
	client    *pubsub.Client
	admin     topicGetter
	projectID string
	topics    []string
}

func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID, credentials(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{
		client:    psClient,
		admin:     psClient.TopicAdminClient,
		projectID: gcp.ProjectID,
		topics:    cfg.Topics(),
	}
	if err := c.Ping(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "topics", c.topics), "pubsub client initialized")
	}
	return c, nil
}

func credentials(gcp config.GCPConfig) []option.ClientOption {
	if js := strings.TrimSpace(gcp.CredentialsJSON); js != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(js))}
	}
	if file := strings.TrimSpace(gcp.ApplicationCredentials); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

// Ping checks every billing topic still exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.admin == nil {
		return errors.New("pubsub client not initialized")
	}
	for _, topic := range c.topics {
		name := topicResourceName(c.projectID, topic)
		if name == "" {
			return fmt.Errorf("pubsub topic %q is not configured", topic)
		}
		_, err := c.admin.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("pubsub topic %s does not exist", name)
		}
		if err != nil {
			return fmt.Errorf("checking pubsub topic %s: %w", name, err)
		}
	}
	return nil
}

// Publisher returns the handle for topic, or nil if it cannot be named.
func (c *Client) Publisher(topic string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	name := topicResourceName(c.projectID, topic)
	if name == "" {
		return nil
	}
	return c.client.Publisher(name)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// topicResourceName accepts a bare topic id or a full resource name.
func topicResourceName(projectID, topic string) string {
	topic = strings.TrimSpace(topic)
	if strings.HasPrefix(topic, "projects/") && strings.Contains(topic, "/topics/") {
		return topic
	}
	if topic == "" || strings.TrimSpace(projectID) == "" {
		return ""
	}
	return "projects/" + strings.TrimSpace(projectID) + "/topics/" + topic
}

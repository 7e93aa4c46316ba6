package push

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"go.uber.org/zap"

	"peercall-engine/pkg/logger"
)

// FCMProvider implements Provider on Firebase Cloud Messaging
type FCMProvider struct {
	client *messaging.Client
}

// FCMConfig contains configuration for the FCM provider
type FCMConfig struct {
	CredentialsPath string // path to service account JSON file
	CredentialsJSON []byte // service account JSON content (alternative)
	ProjectID       string
}

// NewFCMProvider initializes the Firebase Admin SDK and returns an FCM
// provider bound to its messaging client.
func NewFCMProvider(config *FCMConfig) (*FCMProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("FCM config is required")
	}

	var opts []option.ClientOption
	if len(config.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	} else if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	} else {
		return nil, fmt.Errorf("either CredentialsPath or CredentialsJSON must be provided")
	}

	ctx := context.Background()
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: config.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("FCM provider initialized", zap.String("project_id", config.ProjectID))
	return &FCMProvider{client: client}, nil
}

// Send implements Provider for FCM
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if f.client == nil {
		return nil, fmt.Errorf("FCM client is not initialized")
	}
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	messages := make([]*messaging.Message, len(tokens))
	for i, token := range tokens {
		messages[i] = f.buildMessage(notification, token)
	}

	response, err := f.client.SendEach(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to send FCM messages: %w", err)
	}

	result := &SendResult{
		SuccessCount: response.SuccessCount,
		FailureCount: response.FailureCount,
	}
	for i, resp := range response.Responses {
		if resp.Success || resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		logger.Warn("FCM send failed for token",
			zap.String("token_prefix", maskPushToken(tokens[i])),
			zap.Error(resp.Error))
		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	logger.Info("FCM batch sent",
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))
	return result, nil
}

// buildMessage constructs the FCM message for one token. A titleless
// notification is sent as data-only so the device wakes without a
// visible alert.
func (f *FCMProvider) buildMessage(notification *Notification, token string) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+1)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["timestamp"] = fmt.Sprintf("%d", time.Now().Unix())

	msg := &messaging.Message{
		Token: token,
		Data:  data,
	}

	android := &messaging.AndroidConfig{Data: data}
	if notification.Priority == "high" {
		android.Priority = "high"
	}

	if notification.Title != "" {
		msg.Notification = &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		}
		android.Notification = &messaging.AndroidNotification{
			Title: notification.Title,
			Body:  notification.Body,
			Sound: notification.Sound,
		}
		if notification.Category != "" {
			android.Notification.ChannelID = notification.Category
		}
	}
	msg.Android = android

	return msg
}

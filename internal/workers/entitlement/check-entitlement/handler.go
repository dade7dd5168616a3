// internal/workers/entitlement/check-entitlement/handler.go
package checkentitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	commonerrors "entitlement-service/internal/common/errors"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/subscription"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "check-entitlement"
)

var (
	ErrAccountNotFound        = errors.New("ACCOUNT_NOT_FOUND")
	ErrEntitlementCheckFailed = errors.New("ENTITLEMENT_CHECK_FAILED")
)

type Handler struct {
	config *Config
	store  subscription.Store
	logger logger.Logger
}

func NewHandler(config *Config, store subscription.Store, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		store:  store,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.failJob(client, job, "PARSE_ERROR", fmt.Sprintf("parse input: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		errorCode := "UNKNOWN_ERROR"
		if errors.Is(err, ErrAccountNotFound) {
			errorCode = "ACCOUNT_NOT_FOUND"
		} else if errors.Is(err, ErrEntitlementCheckFailed) {
			errorCode = "ENTITLEMENT_CHECK_FAILED"
		}
		h.failJob(client, job, errorCode, err.Error())
		return
	}

	h.completeJob(client, job, output)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.AccountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", ErrAccountNotFound)
	}

	rec, err := h.store.FindByAccount(ctx, input.AccountID)
	if err != nil {
		if commonerrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: account %s", ErrAccountNotFound, input.AccountID)
		}
		return nil, fmt.Errorf("%w: %v", ErrEntitlementCheckFailed, err)
	}

	output := &Output{
		Entitled: rec.Entitled(time.Now()),
		Status:   string(rec.Status),
	}
	if rec.ExpiresAt != nil {
		output.ExpiresAt = rec.ExpiresAt.Format(time.RFC3339)
	}
	return output, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) failJob(client worker.JobClient, job entities.Job, errorCode, errorMessage string) {
	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":       job.Key,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	})

	_, err := client.NewThrowErrorCommand().
		JobKey(job.Key).
		ErrorCode(errorCode).
		ErrorMessage(errorMessage).
		Send(context.Background())
	if err != nil {
		h.logger.Error("failed to throw error", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

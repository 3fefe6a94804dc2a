// Package rights decides whether a caller may run a process on a selection of
// input files, and persists the batch when it may.
package rights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/thoas/go-funk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/process"
)

var tracer = otel.Tracer("github.com/seantiz/processing/internal/rights")

// BatchRequest is what a caller asks to run.
type BatchRequest struct {
	CorrelationID string            `json:"correlation_id" validate:"required"`
	ProcessID     string            `json:"process_id" validate:"required"`
	Parameters    map[string]string `json:"parameters"`
	InputFiles    model.InputFiles  `json:"input_files" validate:"dive"`
}

// BatchStore is the persistence the checker needs.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	CountActiveExecutions(ctx context.Context, tenant, processID string) (int, error)
	CachedBytes(ctx context.Context, tenant, processID string) (int64, error)
}

// Processes resolves process definitions.
type Processes interface {
	Get(id string) (process.Definition, error)
}

// Checker validates batch requests against the rights configuration of the
// caller's tenant.
type Checker struct {
	processes Processes
	settings  SettingsStore
	store     BatchStore
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewChecker creates a rights checker.
func NewChecker(processes Processes, settings SettingsStore, store BatchStore, logger *slog.Logger) *Checker {
	return &Checker{
		processes: processes,
		settings:  settings,
		store:     store,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		now:       time.Now,
	}
}

// CheckAndCreateBatch validates req for auth and persists the resulting
// batch. Policy refusals are returned as *Violation and leave nothing behind.
// Checks run in order: request shape, process and rights configuration, role,
// datasets, parameters, concurrency quota, storage quota.
func (c *Checker) CheckAndCreateBatch(ctx context.Context, auth model.Auth, req BatchRequest) (*model.Batch, error) {
	ctx, span := tracer.Start(ctx, "rights.CheckAndCreateBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", auth.Tenant),
		attribute.String("process_id", req.ProcessID),
		attribute.Int("input_files", len(req.InputFiles)),
	)

	batch, err := c.check(ctx, auth, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if v, ok := AsViolation(err); ok {
			c.logger.Info("batch refused",
				"tenant", auth.Tenant, "user", auth.User, "process_id", req.ProcessID,
				"reason", v.Reason, "message", v.Message)
		}
		return nil, err
	}

	if err := c.store.CreateBatch(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create batch: %w", err)
	}
	span.SetAttributes(attribute.String("batch_id", batch.ID))
	c.logger.Info("batch created",
		"batch_id", batch.ID, "tenant", auth.Tenant, "process_id", req.ProcessID)
	return batch, nil
}

func (c *Checker) check(ctx context.Context, auth model.Auth, req BatchRequest) (*model.Batch, error) {
	if err := c.validate.Struct(auth); err != nil {
		return nil, violationf(ReasonInvalidRequest, "invalid caller: %v", err)
	}
	if err := c.validate.Struct(req); err != nil {
		return nil, violationf(ReasonInvalidRequest, "invalid request: %v", err)
	}

	def, err := c.processes.Get(req.ProcessID)
	if err != nil {
		if errors.Is(err, process.ErrUnknownProcess) {
			return nil, violationf(ReasonUnknownProcess, "process %q is not registered", req.ProcessID)
		}
		return nil, err
	}

	rights, err := c.authorize(ctx, auth, req.ProcessID)
	if err != nil {
		return nil, err
	}

	if len(rights.AllowedDatasets) > 0 {
		for _, ds := range req.InputFiles.Datasets() {
			if !funk.ContainsString(rights.AllowedDatasets, ds) {
				return nil, violationf(ReasonDatasetDenied, "dataset %q may not be processed by %q", ds, req.ProcessID)
			}
		}
	}

	if v := checkParameters(def, req.Parameters); v != nil {
		return nil, v
	}

	if rights.MaxConcurrentExecutions > 0 {
		active, err := c.store.CountActiveExecutions(ctx, auth.Tenant, req.ProcessID)
		if err != nil {
			return nil, fmt.Errorf("count active executions: %w", err)
		}
		if active >= rights.MaxConcurrentExecutions {
			return nil, violationf(ReasonQuotaExceeded, "%d executions of %q already running, maximum is %d",
				active, req.ProcessID, rights.MaxConcurrentExecutions)
		}
	}

	if rights.MaxBytesInCache > 0 {
		cached, err := c.store.CachedBytes(ctx, auth.Tenant, req.ProcessID)
		if err != nil {
			return nil, fmt.Errorf("sum cached bytes: %w", err)
		}
		expected := def.ExpectedResultSize(req.InputFiles.TotalSize())
		if cached+expected > rights.MaxBytesInCache {
			return nil, violationf(ReasonQuotaExceeded, "%d cached bytes plus %d expected exceed the %d bytes allowed",
				cached, expected, rights.MaxBytesInCache)
		}
	}

	params := make(map[string]string, len(req.Parameters))
	for k, v := range req.Parameters {
		params[k] = v
	}
	return &model.Batch{
		ID:            model.NewID(),
		CorrelationID: req.CorrelationID,
		ProcessID:     req.ProcessID,
		Tenant:        auth.Tenant,
		User:          auth.User,
		Role:          auth.Role,
		Parameters:    params,
		InputFiles:    append(model.InputFiles(nil), req.InputFiles...),
		CreatedAt:     c.now().UTC(),
	}, nil
}

// checkParameters accepts only user defined parameters, requires the
// mandatory ones and checks every value against the declared type.
// Repeatable parameters take comma separated values.
// Recheck verifies that the caller of an existing batch is still allowed to
// run its process: the rights configuration must still be declared and
// active, and the caller's role still allowed. Quotas are not evaluated.
func (c *Checker) Recheck(ctx context.Context, batch *model.Batch) error {
	auth := model.Auth{Tenant: batch.Tenant, User: batch.User, Role: batch.Role}
	_, err := c.authorize(ctx, auth, batch.ProcessID)
	return err
}

func (c *Checker) authorize(ctx context.Context, auth model.Auth, processID string) (model.RightsPluginConfiguration, error) {
	rights, err := c.settings.Get(ctx, auth.Tenant, processID)
	if err != nil {
		if errors.Is(err, ErrNoSettings) {
			return rights, violationf(ReasonUnknownProcess, "process %q is not declared for tenant %q", processID, auth.Tenant)
		}
		return rights, fmt.Errorf("load rights: %w", err)
	}
	if !rights.Active {
		return rights, violationf(ReasonUnknownProcess, "process %q is not active for tenant %q", processID, auth.Tenant)
	}
	if len(rights.AllowedUserRoles) > 0 && !funk.ContainsString(rights.AllowedUserRoles, auth.Role) {
		return rights, violationf(ReasonRoleDenied, "role %q may not run process %q", auth.Role, processID)
	}
	return rights, nil
}

func checkParameters(def process.Definition, params map[string]string) *Violation {
	for name, value := range params {
		desc, ok := def.Descriptor(name)
		if !ok {
			return violationf(ReasonInvalidParameter, "unknown parameter %q", name)
		}
		if !desc.UserDefined {
			return violationf(ReasonInvalidParameter, "parameter %q may not be set by users", name)
		}
		values := []string{value}
		if desc.Repeatable {
			values = strings.Split(value, ",")
		}
		for _, v := range values {
			if err := checkType(desc.Type, strings.TrimSpace(v)); err != nil {
				return violationf(ReasonInvalidParameter, "parameter %q: %v", name, err)
			}
		}
	}
	for _, desc := range def.Parameters {
		if !desc.UserDefined || desc.Optional {
			continue
		}
		if _, ok := params[desc.Name]; !ok {
			return violationf(ReasonInvalidParameter, "missing required parameter %q", desc.Name)
		}
	}
	return nil
}

func checkType(t model.ParameterType, v string) error {
	var err error
	switch t {
	case model.ParamInteger:
		_, err = strconv.ParseInt(v, 10, 64)
	case model.ParamFloat:
		_, err = strconv.ParseFloat(v, 64)
	case model.ParamBoolean:
		_, err = strconv.ParseBool(v)
	case model.ParamString, "":
		return nil
	default:
		return fmt.Errorf("unsupported type %s", t)
	}
	if err != nil {
		return fmt.Errorf("%q is not a valid %s", v, strings.ToLower(string(t)))
	}
	return nil
}

package rights

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/forecast"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/process"
)

type fakeStore struct {
	batches []*model.Batch
	active  int
	cached  int64
	err     error
}

func (f *fakeStore) CreateBatch(_ context.Context, b *model.Batch) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeStore) CountActiveExecutions(context.Context, string, string) (int, error) {
	return f.active, nil
}

func (f *fakeStore) CachedBytes(context.Context, string, string) (int64, error) {
	return f.cached, nil
}

type staticSettings map[string]model.RightsPluginConfiguration

func (s staticSettings) Get(_ context.Context, tenant, processID string) (model.RightsPluginConfiguration, error) {
	r, ok := s[tenant+"/"+processID]
	if !ok {
		return r, ErrNoSettings
	}
	return r, nil
}

func newChecker(t *testing.T, rights model.RightsPluginConfiguration) (*Checker, *fakeStore) {
	t.Helper()
	reg := process.NewRegistry()
	require.NoError(t, reg.Register(process.Definition{
		ID:         "copy",
		EngineName: engine.JobsEngineName,
		Parameters: []model.ExecutionParameterDescriptor{
			{Name: "factor", Type: model.ParamInteger, UserDefined: true},
			{Name: "bands", Type: model.ParamString, UserDefined: true, Optional: true, Repeatable: true},
			{Name: "ratio", Type: model.ParamFloat, UserDefined: true, Optional: true},
			{Name: "verbose", Type: model.ParamBoolean, UserDefined: true, Optional: true, Repeatable: true},
			{Name: "internal", Type: model.ParamString, Optional: true},
		},
		SizeForecast: forecast.MultiplierResultSizeForecast{Factor: 2},
		Executable:   engine.ExecutableFunc(func(context.Context, *engine.ExecutionContext) error { return nil }),
	}))
	store := &fakeStore{}
	settings := staticSettings{"acme/copy": rights}
	return NewChecker(reg, settings, store, slog.New(slog.NewJSONHandler(io.Discard, nil))), store
}

func defaultRights() model.RightsPluginConfiguration {
	return model.RightsPluginConfiguration{
		Tenant:                  "acme",
		ProcessID:               "copy",
		Active:                  true,
		AllowedUserRoles:        []string{"REGISTERED_USER", "ADMIN"},
		AllowedDatasets:         []string{"S2", "L8"},
		MaxConcurrentExecutions: 2,
		MaxBytesInCache:         1000,
	}
}

var alice = model.Auth{Tenant: "acme", User: "alice", Role: "REGISTERED_USER"}

func validRequest() BatchRequest {
	return BatchRequest{
		CorrelationID: "order-1",
		ProcessID:     "copy",
		Parameters:    map[string]string{"factor": "3"},
		InputFiles: model.InputFiles{
			{Name: "a.tif", URL: "file:///a.tif", Size: 100, Dataset: "S2"},
			{Name: "b.tif", URL: "file:///b.tif", Size: 50, Dataset: "L8"},
		},
	}
}

func TestCheckAndCreateBatchSuccess(t *testing.T) {
	c, store := newChecker(t, defaultRights())

	b, err := c.CheckAndCreateBatch(context.Background(), alice, validRequest())
	require.NoError(t, err)
	require.Len(t, store.batches, 1)
	assert.Equal(t, b, store.batches[0])
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "acme", b.Tenant)
	assert.Equal(t, "alice", b.User)
	assert.Equal(t, "REGISTERED_USER", b.Role)
	assert.Equal(t, "order-1", b.CorrelationID)
	assert.Equal(t, map[string]string{"factor": "3"}, b.Parameters)
	assert.Len(t, b.InputFiles, 2)
	assert.False(t, b.CreatedAt.IsZero())
}

func TestCheckAndCreateBatchViolations(t *testing.T) {
	tests := []struct {
		name   string
		auth   model.Auth
		mutate func(*BatchRequest, *model.RightsPluginConfiguration, *fakeStore)
		reason Reason
	}{
		{
			name:   "missing role",
			auth:   model.Auth{Tenant: "acme", User: "alice"},
			reason: ReasonInvalidRequest,
		},
		{
			name:   "missing correlation id",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) { r.CorrelationID = "" },
			reason: ReasonInvalidRequest,
		},
		{
			name:   "input without url",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) { r.InputFiles[0].URL = "" },
			reason: ReasonInvalidRequest,
		},
		{
			name:   "unregistered process",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) { r.ProcessID = "nope" },
			reason: ReasonUnknownProcess,
		},
		{
			name:   "process not declared for tenant",
			auth:   model.Auth{Tenant: "globex", User: "bob", Role: "ADMIN"},
			reason: ReasonUnknownProcess,
		},
		{
			name:   "inactive process",
			mutate: func(_ *BatchRequest, c *model.RightsPluginConfiguration, _ *fakeStore) { c.Active = false },
			reason: ReasonUnknownProcess,
		},
		{
			name:   "role denied",
			auth:   model.Auth{Tenant: "acme", User: "eve", Role: "PUBLIC"},
			reason: ReasonRoleDenied,
		},
		{
			name: "dataset denied",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				r.InputFiles[1].Dataset = "SECRET"
			},
			reason: ReasonDatasetDenied,
		},
		{
			name: "unknown parameter",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				r.Parameters["colour"] = "red"
			},
			reason: ReasonInvalidParameter,
		},
		{
			name: "parameter not user defined",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				r.Parameters["internal"] = "x"
			},
			reason: ReasonInvalidParameter,
		},
		{
			name: "missing required parameter",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				delete(r.Parameters, "factor")
			},
			reason: ReasonInvalidParameter,
		},
		{
			name: "ill typed integer",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				r.Parameters["factor"] = "3.5"
			},
			reason: ReasonInvalidParameter,
		},
		{
			name: "ill typed float",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				r.Parameters["ratio"] = "half"
			},
			reason: ReasonInvalidParameter,
		},
		{
			name: "repeatable with one bad value",
			mutate: func(r *BatchRequest, _ *model.RightsPluginConfiguration, _ *fakeStore) {
				r.Parameters["verbose"] = "true, maybe"
			},
			reason: ReasonInvalidParameter,
		},
		{
			name:   "concurrency quota",
			mutate: func(_ *BatchRequest, _ *model.RightsPluginConfiguration, s *fakeStore) { s.active = 2 },
			reason: ReasonQuotaExceeded,
		},
		{
			name:   "storage quota",
			mutate: func(_ *BatchRequest, _ *model.RightsPluginConfiguration, s *fakeStore) { s.cached = 701 },
			reason: ReasonQuotaExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rights := defaultRights()
			req := validRequest()
			c, store := newChecker(t, rights)
			if tt.mutate != nil {
				tt.mutate(&req, &rights, store)
				c.settings = staticSettings{"acme/copy": rights}
			}
			auth := alice
			if tt.auth != (model.Auth{}) {
				auth = tt.auth
			}

			b, err := c.CheckAndCreateBatch(context.Background(), auth, req)
			require.Error(t, err)
			assert.Nil(t, b)
			v, ok := AsViolation(err)
			require.True(t, ok, "expected a violation, got %v", err)
			assert.Equal(t, tt.reason, v.Reason)
			assert.NotEmpty(t, v.Message)
			assert.Empty(t, store.batches, "no batch is persisted on violation")
		})
	}
}

func TestRepeatableAndOptionalParameters(t *testing.T) {
	c, store := newChecker(t, defaultRights())
	req := validRequest()
	req.Parameters["bands"] = "B02,B03,B04"
	req.Parameters["verbose"] = "true,false"
	req.Parameters["ratio"] = "0.5"

	_, err := c.CheckAndCreateBatch(context.Background(), alice, req)
	require.NoError(t, err)
	assert.Len(t, store.batches, 1)
}

func TestEmptyQuotasAndDatasetsMeanUnlimited(t *testing.T) {
	rights := defaultRights()
	rights.AllowedDatasets = nil
	rights.AllowedUserRoles = nil
	rights.MaxConcurrentExecutions = 0
	rights.MaxBytesInCache = 0
	c, store := newChecker(t, rights)
	store.active = 100
	store.cached = 1 << 40

	req := validRequest()
	req.InputFiles[0].Dataset = "ANYTHING"
	_, err := c.CheckAndCreateBatch(context.Background(), alice, req)
	require.NoError(t, err)
}

func TestEmptyRoleListAllowsAnyRole(t *testing.T) {
	rights := defaultRights()
	rights.AllowedUserRoles = nil
	c, store := newChecker(t, rights)

	guest := alice
	guest.Role = "GUEST"
	_, err := c.CheckAndCreateBatch(context.Background(), guest, validRequest())
	require.NoError(t, err)
	assert.Len(t, store.batches, 1)
}

func TestStorageQuotaBoundary(t *testing.T) {
	c, store := newChecker(t, defaultRights())
	// 150 input bytes forecast to 300; 700 + 300 == 1000 is allowed
	store.cached = 700
	_, err := c.CheckAndCreateBatch(context.Background(), alice, validRequest())
	require.NoError(t, err)
}

func TestThirdConcurrentBatchRejected(t *testing.T) {
	c, store := newChecker(t, defaultRights())
	ctx := context.Background()

	for i := range 2 {
		_, err := c.CheckAndCreateBatch(ctx, alice, validRequest())
		require.NoError(t, err, "batch %d", i)
		store.active++
	}

	_, err := c.CheckAndCreateBatch(ctx, alice, validRequest())
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ReasonQuotaExceeded, v.Reason)
	assert.Len(t, store.batches, 2)
}

func TestStoreFailureIsNotAViolation(t *testing.T) {
	c, store := newChecker(t, defaultRights())
	store.err = errors.New("disk full")

	_, err := c.CheckAndCreateBatch(context.Background(), alice, validRequest())
	require.Error(t, err)
	_, ok := AsViolation(err)
	assert.False(t, ok)
}

func TestRecheck(t *testing.T) {
	batch := &model.Batch{ID: model.NewID(), Tenant: "acme", User: "alice", Role: "REGISTERED_USER", ProcessID: "copy"}

	tests := []struct {
		name   string
		mutate func(*model.RightsPluginConfiguration)
		reason Reason
	}{
		{name: "still allowed"},
		{
			name:   "deactivated",
			mutate: func(r *model.RightsPluginConfiguration) { r.Active = false },
			reason: ReasonUnknownProcess,
		},
		{
			name:   "role removed",
			mutate: func(r *model.RightsPluginConfiguration) { r.AllowedUserRoles = []string{"ADMIN"} },
			reason: ReasonRoleDenied,
		},
		{
			name: "quota ignored",
			mutate: func(r *model.RightsPluginConfiguration) {
				r.MaxConcurrentExecutions = 1
				r.MaxBytesInCache = 1
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rights := defaultRights()
			if tt.mutate != nil {
				tt.mutate(&rights)
			}
			c, store := newChecker(t, rights)
			store.active = 10
			store.cached = 1 << 30

			err := c.Recheck(context.Background(), batch)
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}
			v, ok := AsViolation(err)
			require.True(t, ok, "want violation, got %v", err)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Empty(t, store.batches)
		})
	}
}

func TestRecheckUndeclaredTenant(t *testing.T) {
	c, _ := newChecker(t, defaultRights())
	err := c.Recheck(context.Background(), &model.Batch{Tenant: "other", Role: "ADMIN", ProcessID: "copy"})
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, ReasonUnknownProcess, v.Reason)
}

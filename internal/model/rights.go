package model

// ParameterType is the declared type of an execution parameter.
type ParameterType string

// Parameter types understood by the batch checker.
const (
	ParamString  ParameterType = "STRING"
	ParamInteger ParameterType = "INTEGER"
	ParamFloat   ParameterType = "FLOAT"
	ParamBoolean ParameterType = "BOOLEAN"
)

// ExecutionParameterDescriptor declares one parameter a process accepts.
type ExecutionParameterDescriptor struct {
	Name        string        `json:"name" yaml:"name"`
	Type        ParameterType `json:"type" yaml:"type"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Optional    bool          `json:"optional" yaml:"optional"`
	Repeatable  bool          `json:"repeatable" yaml:"repeatable"`
	UserDefined bool          `json:"user_defined" yaml:"user_defined"`
}

// RightsPluginConfiguration is the per-(tenant, process) access policy.
type RightsPluginConfiguration struct {
	Tenant                  string   `json:"tenant" yaml:"tenant"`
	ProcessID               string   `json:"process_id" yaml:"process_id"`
	Active                  bool     `json:"active" yaml:"active"`
	AllowedUserRoles        []string `json:"allowed_user_roles" yaml:"allowed_user_roles"`
	AllowedDatasets         []string `json:"allowed_datasets" yaml:"allowed_datasets"`
	MaxConcurrentExecutions int      `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	MaxBytesInCache         int64    `json:"max_bytes_in_cache" yaml:"max_bytes_in_cache"`
}

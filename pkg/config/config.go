// Package config contains the definition of the gateway configuration tree
// and the logic required to load, merge and validate it.
package config

import (
	"fmt"
	"strings"
)

// Service types for a route's terminal action.
const (
	// ServiceDBQuery routes execute a chain of SQL queries.
	ServiceDBQuery = "db_query"

	// ServiceAPIGateway routes forward the request to a proxy target.
	ServiceAPIGateway = "api_gateway"
)

// Response structure modes.
const (
	ResponseAuto   = "auto"
	ResponseSingle = "single"
	ResponseArray  = "array"
	ResponseFile   = "file"
)

// DefaultConnectionName is used when a route or query does not name a
// connection string.
const DefaultConnectionName = "default"

// DefaultJSONVariableName carries a prior query's multi-row result set into
// the next query of a chain.
const DefaultJSONVariableName = "json"

// Config represents the full configuration tree of the gateway.
type Config struct {
	Server            Server                      `mapstructure:"server"`
	ConnectionStrings map[string]ConnectionString `mapstructure:"connectionstrings"`
	Routes            map[string]*Route           `mapstructure:"routes"`
	APIKeyCollections map[string][]string         `mapstructure:"api_keys_collections"`
	Authorize         Authorize                   `mapstructure:"authorize"`
	FileManagement    FileManagement              `mapstructure:"file_management"`
	Cache             CachePolicy                 `mapstructure:"cache"`
	CORS              CORSPolicy                  `mapstructure:"cors"`
	Vars              map[string]any              `mapstructure:"vars"`
	Regex             RegexOverrides              `mapstructure:"regex"`
}

// Server holds process-level settings.
type Server struct {
	Address string `mapstructure:"address"`

	// GenericErrorMessage is the customer-facing message for unexpected
	// conditions. Internal detail is revealed only when the debug header
	// matches.
	GenericErrorMessage string `mapstructure:"generic_error_message"`
	DebugHeaderName     string `mapstructure:"debug_header_name"`
	DebugHeaderValue    string `mapstructure:"debug_header_value"`
}

// ConnectionString names a database and how to reach it. Provider is
// auto-detected from the value when not set.
type ConnectionString struct {
	Provider string `mapstructure:"provider"`
	Value    string `mapstructure:"value"`
}

// Route describes one configured endpoint.
type Route struct {
	// ID is the route's key in the catalog; filled in during load.
	ID string `mapstructure:"-"`

	Path                    string   `mapstructure:"path"`
	Methods                 []string `mapstructure:"methods"`
	ServiceType             string   `mapstructure:"service_type"`
	ConnectionStringName    string   `mapstructure:"connection_string_name"`
	MandatoryParameterNames []string `mapstructure:"mandatory_parameter_names"`
	SuccessStatusCode       int      `mapstructure:"success_status_code"`
	ResponseStructure       string   `mapstructure:"response_structure"`
	CountQuery              string   `mapstructure:"count_query"`

	Cache             *CachePolicy     `mapstructure:"cache"`
	CORS              *CORSPolicy      `mapstructure:"cors"`
	Auth              *AuthPolicy      `mapstructure:"auth"`
	APIKeyCollections []string         `mapstructure:"api_key_collections"`
	FileManagement    *RouteFilePolicy `mapstructure:"file_management"`
	Regex             *RegexOverrides  `mapstructure:"regex"`

	Queries []QueryDefinition `mapstructure:"query_definitions"`
	Proxy   *ProxyTarget      `mapstructure:"proxy_target"`
}

// AllowsMethod reports whether the route accepts the given HTTP method.
// An empty method set accepts any method.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// IsWildcard reports whether the route path ends with a wildcard suffix.
func (r *Route) IsWildcard() bool {
	return strings.HasSuffix(r.Path, "*")
}

// StaticPrefix returns the path with any wildcard suffix removed.
func (r *Route) StaticPrefix() string {
	return strings.TrimSuffix(r.Path, "*")
}

// QueryDefinition is one step of a route's SQL chain.
type QueryDefinition struct {
	Index                int    `mapstructure:"index"`
	SQL                  string `mapstructure:"sql_text"`
	ConnectionStringName string `mapstructure:"connection_string_name"`
	JSONVariableName     string `mapstructure:"json_variable_name"`
}

// ProxyTarget configures an api_gateway route's upstream.
type ProxyTarget struct {
	URL                     string            `mapstructure:"url"`
	ExcludedHeaders         []string          `mapstructure:"excluded_headers"`
	AppliedHeaders          map[string]string `mapstructure:"applied_headers"`
	IgnoreCertificateErrors bool              `mapstructure:"ignore_certificate_errors"`
	TargetTimeoutSeconds    int               `mapstructure:"target_timeout_seconds"`
}

// CachePolicy configures the response cache for a route (or globally).
type CachePolicy struct {
	Enabled                bool     `mapstructure:"enabled"`
	DurationSeconds        int      `mapstructure:"duration_seconds"`
	Invalidators           []string `mapstructure:"invalidators"`
	MaxInvalidatorValueLen int      `mapstructure:"max_invalidator_value_length"`
	ExcludeStatusCodes     []int    `mapstructure:"exclude_status_codes_from_cache"`
}

// CORSPolicy configures cross-origin behavior for a route (or globally).
type CORSPolicy struct {
	OriginPattern    string   `mapstructure:"origin_pattern"`
	FallbackOrigin   string   `mapstructure:"fallback_origin"`
	MaxAgeSeconds    int      `mapstructure:"max_age_seconds"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
}

// Authorize holds the OIDC provider catalog and process-wide defaults.
type Authorize struct {
	Providers map[string]AuthPolicy `mapstructure:"providers"`
	Default   AuthPolicy            `mapstructure:"default"`
}

// AuthPolicy is the set of JWT/OIDC settings resolvable per route. Pointer
// fields distinguish "unset, fall through" from an explicit value.
type AuthPolicy struct {
	Provider                     string   `mapstructure:"provider"`
	Authority                    string   `mapstructure:"authority"`
	Audience                     string   `mapstructure:"audience"`
	Issuer                       string   `mapstructure:"issuer"`
	ValidateIssuer               *bool    `mapstructure:"validate_issuer"`
	ValidateAudience             *bool    `mapstructure:"validate_audience"`
	ValidateLifetime             *bool    `mapstructure:"validate_lifetime"`
	ClockSkewSeconds             *int     `mapstructure:"clock_skew_seconds"`
	UserInfoFallbackClaims       []string `mapstructure:"userinfo_fallback_claims"`
	UserInfoCacheDurationSeconds *int     `mapstructure:"userinfo_cache_duration_seconds"`
	UserInfoTimeoutSeconds       *int     `mapstructure:"userinfo_timeout_seconds"`
	RequiredScopes               []string `mapstructure:"required_scopes"`
	RequiredRoles                []string `mapstructure:"required_roles"`
}

// FileManagement holds global upload settings plus the two store pools.
type FileManagement struct {
	FilesDataField         string   `mapstructure:"files_data_field"`
	MaxFileSizeInBytes     int64    `mapstructure:"max_file_size_in_bytes"`
	MaxNumberOfFiles       int      `mapstructure:"max_number_of_files"`
	PermittedExtensions    []string `mapstructure:"permitted_extensions"`
	AllowCallerSuppliedIDs bool     `mapstructure:"allow_caller_supplied_ids"`
	PathTemplate           string   `mapstructure:"path_template"`
	EnableQueryConsumption bool     `mapstructure:"enable_query_consumption"`

	Stores                 string `mapstructure:"stores"`
	OverwriteExistingFiles bool   `mapstructure:"overwrite_existing_files"`

	LocalStores map[string]LocalStore `mapstructure:"local_stores"`
	SFTPStores  map[string]SFTPStore  `mapstructure:"sftp_stores"`
}

// RouteFilePolicy is the per-route override subset of FileManagement.
type RouteFilePolicy struct {
	FilesDataField         string   `mapstructure:"files_data_field"`
	MaxFileSizeInBytes     *int64   `mapstructure:"max_file_size_in_bytes"`
	MaxNumberOfFiles       *int     `mapstructure:"max_number_of_files"`
	PermittedExtensions    []string `mapstructure:"permitted_extensions"`
	PathTemplate           string   `mapstructure:"path_template"`
	Stores                 string   `mapstructure:"stores"`
	OverwriteExistingFiles *bool    `mapstructure:"overwrite_existing_files"`

	// StoreName resolves relative_path columns of file responses.
	StoreName string `mapstructure:"store_name"`
}

// LocalStore is a directory-backed file store.
type LocalStore struct {
	BasePath string `mapstructure:"base_path"`
	Optional bool   `mapstructure:"optional"`
}

// SFTPStore is a remote file store reached over SFTP.
type SFTPStore struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	BasePath string `mapstructure:"base_path"`
	Optional bool   `mapstructure:"optional"`
}

// RegexOverrides replaces the built-in source pattern for each parameter
// namespace. Empty fields keep the default.
type RegexOverrides struct {
	JSON        string `mapstructure:"json"`
	Header      string `mapstructure:"header"`
	QueryString string `mapstructure:"query_string"`
	Route       string `mapstructure:"route"`
	Form        string `mapstructure:"form"`
	Auth        string `mapstructure:"auth"`
	Settings    string `mapstructure:"settings"`
}

// applyDefaults fills in documented default values after decode.
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.GenericErrorMessage == "" {
		c.Server.GenericErrorMessage = "An unexpected error occurred"
	}
	if c.Cache.MaxInvalidatorValueLen == 0 {
		c.Cache.MaxInvalidatorValueLen = 256
	}

	for id, route := range c.Routes {
		route.ID = id
		if route.ConnectionStringName == "" {
			route.ConnectionStringName = DefaultConnectionName
		}
		if route.SuccessStatusCode == 0 {
			route.SuccessStatusCode = 200
		}
		if route.ResponseStructure == "" {
			route.ResponseStructure = ResponseAuto
		}
		for i := range route.Queries {
			q := &route.Queries[i]
			if q.ConnectionStringName == "" {
				q.ConnectionStringName = route.ConnectionStringName
			}
			if q.JSONVariableName == "" {
				q.JSONVariableName = DefaultJSONVariableName
			}
		}
		if route.Proxy != nil && route.Proxy.TargetTimeoutSeconds == 0 {
			route.Proxy.TargetTimeoutSeconds = 30
		}
	}
}

// Validate checks the configuration for errors that must be detected at
// load time rather than at request time.
func (c *Config) Validate() error {
	type registration struct {
		routeID string
	}
	seen := map[string]registration{}

	for id, route := range c.Routes {
		if route.Path == "" {
			return fmt.Errorf("route %q: missing path", id)
		}

		switch route.ServiceType {
		case ServiceDBQuery:
			if len(route.Queries) == 0 {
				return fmt.Errorf("route %q: db_query route has no query_definitions", id)
			}
		case ServiceAPIGateway:
			if route.Proxy == nil || route.Proxy.URL == "" {
				return fmt.Errorf("route %q: api_gateway route has no proxy_target url", id)
			}
		default:
			return fmt.Errorf("route %q: unknown service_type %q", id, route.ServiceType)
		}

		if route.ResponseStructure == ResponseFile && route.CountQuery != "" {
			return fmt.Errorf("route %q: response_structure=file is mutually exclusive with count_query", id)
		}

		// Ambiguity check: no two routes may claim the same (path, method).
		// Wildcard and exact routes may overlap; wildcards lose at runtime.
		methods := route.Methods
		if len(methods) == 0 {
			methods = []string{"*"}
		}
		for _, m := range methods {
			key := strings.ToUpper(m) + " " + route.Path
			if prior, ok := seen[key]; ok {
				return fmt.Errorf("ambiguous routes %q and %q both register %s", prior.routeID, id, key)
			}
			seen[key] = registration{routeID: id}
		}
	}

	for name, cs := range c.ConnectionStrings {
		if cs.Value == "" {
			return fmt.Errorf("connection string %q: missing value", name)
		}
		if _, err := ResolveProvider(cs); err != nil {
			return fmt.Errorf("connection string %q: %w", name, err)
		}
	}

	return nil
}

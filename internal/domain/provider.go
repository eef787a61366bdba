package domain

// ProviderStatus is the closed set of normalized upstream job-set states.
type ProviderStatus string

const (
	ProviderQueued     ProviderStatus = "queued"
	ProviderProcessing ProviderStatus = "processing"
	ProviderCompleted  ProviderStatus = "completed"
	ProviderFailed     ProviderStatus = "failed"
)

// JobSet is the normalized view of an upstream job set.
type JobSet struct {
	Status  ProviderStatus
	Results []OutputURLs
}

// Provider (port) is the normalized surface over the upstream generation API.
// Implementations classify transport and HTTP failures into *ProviderError.
type Provider interface {
	StartGeneration(ctx Context, modelKey string, params map[string]any, prompt string) (jobSetID string, err error)
	GetJobSet(ctx Context, jobSetID string) (JobSet, error)
}

// Provider error codes surfaced on the job row and in metrics.
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeInvalidParams       = "INVALID_PARAMS"
	CodeProviderServerError = "PROVIDER_SERVER_ERROR"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeInvalidResponse     = "INVALID_RESPONSE"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeProviderFailed      = "PROVIDER_FAILED"
	CodeOptionNotFound      = "OPTION_NOT_FOUND"
	CodeTimeout             = "TIMEOUT"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ProviderError carries the classification the poller's retry policy acts on.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string { return e.Code + ": " + e.Message }

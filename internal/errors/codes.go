// Package errors provides structured error handling for the indexing and
// retrieval pipeline.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and storage errors
//   - 3XX: Embedding backend errors
//   - 4XX: Vector index errors
//   - 5XX: Pipeline errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates file, disk, and state-store errors.
	CategoryStorage Category = "STORAGE"
	// CategoryEmbedding indicates embedding backend errors.
	CategoryEmbedding Category = "EMBEDDING"
	// CategoryIndex indicates vector index errors.
	CategoryIndex Category = "INDEX"
	// CategoryPipeline indicates per-file pipeline errors.
	CategoryPipeline Category = "PIPELINE"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates an unrecoverable error, the process must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the pass can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO and storage errors (200-299)
	ErrCodeFileNotFound     = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFileTooLarge     = "ERR_202_FILE_TOO_LARGE"
	ErrCodeStateUnavailable = "ERR_203_STATE_UNAVAILABLE"
	ErrCodeStateCorrupt     = "ERR_204_STATE_CORRUPT"
	ErrCodeCacheWrite       = "ERR_205_CACHE_WRITE"

	// Embedding backend errors (300-399)
	ErrCodeEmbedTransient = "ERR_301_EMBED_TRANSIENT"
	ErrCodeEmbedExhausted = "ERR_302_EMBED_EXHAUSTED"
	ErrCodeEmbedBadReply  = "ERR_303_EMBED_BAD_REPLY"

	// Vector index errors (400-499)
	ErrCodeIndexWrite        = "ERR_401_INDEX_WRITE"
	ErrCodeIndexSearch       = "ERR_402_INDEX_SEARCH"
	ErrCodeDimensionMismatch = "ERR_403_DIMENSION_MISMATCH"

	// Pipeline errors (500-599)
	ErrCodeParseDegraded = "ERR_501_PARSE_DEGRADED"
	ErrCodeSyncLocked    = "ERR_502_SYNC_LOCKED"
	ErrCodeInternal      = "ERR_503_INTERNAL"
)

// categoryFromCode extracts the category from an error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryPipeline
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryEmbedding
	case '4':
		return CategoryIndex
	default:
		return CategoryPipeline
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStateUnavailable, ErrCodeStateCorrupt:
		// Cannot determine the dirty set without sync state; operator must intervene.
		return SeverityFatal
	case ErrCodeParseDegraded, ErrCodeEmbedTransient:
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbedTransient, ErrCodeIndexWrite:
		return true
	}
	return false
}

package internal

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"transcodeengine/codec"
	"transcodeengine/model"
)

const (
	DefaultMaxPathLength = 4096
	DefaultMaxBatchSize  = 256
)

type ValidationError struct {
	Message string
	Details string
}

func (e *ValidationError) Error() string {
	return e.Message + ": " + e.Details
}

// Control characters would break the generated job scripts and log lines.
var forbiddenPathPatterns = []string{
	`[\x00-\x1f\x7f]`,
}

// ValidateJobRequest checks a job request and returns its parsed operation.
func ValidateJobRequest(req model.JobRequest, maxPathLength int) (codec.Operation, error) {
	if maxPathLength <= 0 {
		maxPathLength = DefaultMaxPathLength
	}

	op, err := codec.ParseOperation(req.Operation)
	if err != nil {
		return 0, &ValidationError{
			Message: "Unsupported operation",
			Details: fmt.Sprintf("operation must be decode or encode, got %q", req.Operation),
		}
	}

	if req.Priority < 0 {
		return 0, &ValidationError{
			Message: "Invalid priority",
			Details: fmt.Sprintf("priority must be zero or greater, got %d", req.Priority),
		}
	}

	for _, p := range []struct{ name, value string }{
		{"source_path", req.SourcePath},
		{"destination_path", req.DestinationPath},
	} {
		if err := validatePath(p.name, p.value, maxPathLength); err != nil {
			return 0, err
		}
	}

	if filepath.Clean(req.SourcePath) == filepath.Clean(req.DestinationPath) {
		return 0, &ValidationError{
			Message: "Invalid destination",
			Details: "destination_path must differ from source_path",
		}
	}
	return op, nil
}

// ValidateBatchRequest rejects empty and oversized batches as a whole, then
// checks each job on its own. jobErrs[i] is nil when job i is valid; its
// message names the job by index.
func ValidateBatchRequest(req model.BatchJobRequest, maxJobs, maxPathLength int) (ops []codec.Operation, jobErrs []error, err error) {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxBatchSize
	}
	if len(req.Jobs) == 0 {
		return nil, nil, &ValidationError{Message: "Empty batch", Details: "at least one job is required"}
	}
	if len(req.Jobs) > maxJobs {
		return nil, nil, &ValidationError{
			Message: "Batch too large",
			Details: fmt.Sprintf("max batch size is %d, got %d", maxJobs, len(req.Jobs)),
		}
	}

	ops = make([]codec.Operation, len(req.Jobs))
	jobErrs = make([]error, len(req.Jobs))
	for i, job := range req.Jobs {
		op, err := ValidateJobRequest(job, maxPathLength)
		if err != nil {
			verr := err.(*ValidationError)
			jobErrs[i] = &ValidationError{
				Message: verr.Message,
				Details: fmt.Sprintf("job %d: %s", i, verr.Details),
			}
			continue
		}
		ops[i] = op
	}
	return ops, jobErrs, nil
}

func validatePath(name, path string, maxPathLength int) error {
	if strings.TrimSpace(path) == "" {
		return &ValidationError{Message: "Missing path", Details: name + " is required"}
	}
	if len(path) > maxPathLength {
		return &ValidationError{
			Message: "Path length exceeds maximum limit",
			Details: fmt.Sprintf("%s: max length allowed is %d", name, maxPathLength),
		}
	}
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return &ValidationError{
				Message: "Path traversal detected",
				Details: name + " must not contain '..' segments",
			}
		}
	}
	if matched, err := matchPatterns(forbiddenPathPatterns, path); err != nil || matched {
		return &ValidationError{
			Message: "Prohibited characters detected",
			Details: name + " contains control characters",
		}
	}
	return nil
}

func matchPatterns(patterns []string, value string) (bool, error) {
	for _, pattern := range patterns {
		matched, err := regexp.MatchString(pattern, value)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

package api

import "github.com/cuemby/joblet/pkg/apierr"

// errorBody is the JSON shape returned for every failed RPC.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse maps an apierr.Code to its HTTP status per spec §6's RPC
// table ("every method's failure modes map to one of these codes").
func errorResponse(err error) (int, errorBody) {
	code := apierr.CodeOf(err)
	return statusFor(code), errorBody{Code: string(code), Message: err.Error()}
}

func statusFor(code apierr.Code) int {
	switch code {
	case apierr.InvalidRequest, apierr.ParseError, apierr.InvalidMount, apierr.InvalidSize, apierr.InvalidCIDR, apierr.MissingVolumes, apierr.CycleDetected:
		return 400
	case apierr.Unauthorized:
		return 401
	case apierr.Forbidden:
		return 403
	case apierr.NotFound, apierr.UnknownRuntime:
		return 404
	case apierr.DuplicateName:
		return 409
	case apierr.AlreadyTerminal, apierr.StillRunning, apierr.InUse, apierr.DependencyUnsatisfied:
		return 409
	case apierr.Insufficient:
		return 429
	case apierr.BuildFailed, apierr.SpawnFailed, apierr.SandboxCorrupted, apierr.Internal, apierr.Overflow:
		return 500
	default:
		return 500
	}
}

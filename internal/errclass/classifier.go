// Package errclass maps upstream error signals to recovery actions.
//
// Classification is pure: the classifier returns the recovery decision
// as data and never performs reconnection, backoff, or any other side
// effect itself. The stream gateway is the single place that acts on
// the returned action.
package errclass

import "time"

// Category groups upstream error codes by failure mode.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryProtocolSyntax
	CategoryAuthFailure
	CategoryForbidden
	CategoryNotFound
	CategoryConnectionLimit
	CategoryDuplicateSubscription
	CategoryWrongEncoding
	CategoryTooManySymbols
	CategoryUpstreamFault
)

func (c Category) String() string {
	switch c {
	case CategoryProtocolSyntax:
		return "protocol_syntax"
	case CategoryAuthFailure:
		return "auth_failure"
	case CategoryForbidden:
		return "forbidden"
	case CategoryNotFound:
		return "not_found"
	case CategoryConnectionLimit:
		return "connection_limit"
	case CategoryDuplicateSubscription:
		return "duplicate_subscription"
	case CategoryWrongEncoding:
		return "wrong_encoding"
	case CategoryTooManySymbols:
		return "too_many_symbols"
	case CategoryUpstreamFault:
		return "upstream_fault"
	default:
		return "unknown"
	}
}

// Action is the recovery the caller should perform.
type Action int

const (
	// ActionDropFrame: log and discard; never resend the same payload.
	ActionDropFrame Action = iota
	// ActionHaltPermanently: stop the channel's reconnect loop until an
	// operator intervenes.
	ActionHaltPermanently
	// ActionDisableStreaming: stop using this credential set for
	// streaming and alert.
	ActionDisableStreaming
	// ActionFatalConfig: the endpoint or configuration is invalid;
	// abort startup.
	ActionFatalConfig
	// ActionDisableChannel: take this channel out of service without
	// affecting others.
	ActionDisableChannel
	// ActionWidenBackoff: widen the reconnect backoff and reduce
	// concurrently open upstream connections.
	ActionWidenBackoff
	// ActionReconcileSubscriptions: resend a corrected subscription set
	// instead of treating the duplicate as fatal.
	ActionReconcileSubscriptions
	// ActionReportBug: the codec sent the wrong wire format for the
	// channel; an internal defect, not a transient fault.
	ActionReportBug
	// ActionSplitBatch: halve the pending subscription batch and retry
	// each half independently.
	ActionSplitBatch
	// ActionBackoffReconnect: reconnect with exponential backoff.
	ActionBackoffReconnect
)

func (a Action) String() string {
	switch a {
	case ActionDropFrame:
		return "drop_frame"
	case ActionHaltPermanently:
		return "halt_permanently"
	case ActionDisableStreaming:
		return "disable_streaming"
	case ActionFatalConfig:
		return "fatal_config"
	case ActionDisableChannel:
		return "disable_channel"
	case ActionWidenBackoff:
		return "widen_backoff"
	case ActionReconcileSubscriptions:
		return "reconcile_subscriptions"
	case ActionReportBug:
		return "report_bug"
	case ActionSplitBatch:
		return "split_batch"
	case ActionBackoffReconnect:
		return "backoff_reconnect"
	default:
		return "unknown"
	}
}

// Phase distinguishes startup from steady-state classification; code 404
// is fatal at startup but only disables the channel at runtime.
type Phase int

const (
	PhaseStartup Phase = iota
	PhaseRuntime
)

// Record is the classification result: category plus recovery action,
// returned as data for the caller to act on. Used for logging and
// metrics; never a source of substituted data.
type Record struct {
	Code       int
	Category   Category
	Action     Action
	ObservedAt time.Time
}

// Classify maps an upstream error code to its category and recovery
// action for the given phase.
func Classify(code int, phase Phase) Record {
	rec := Record{Code: code, ObservedAt: time.Now()}

	switch {
	case code == 400:
		rec.Category = CategoryProtocolSyntax
		rec.Action = ActionDropFrame
	case code == 401:
		rec.Category = CategoryAuthFailure
		rec.Action = ActionHaltPermanently
	case code == 402 || code == 403:
		rec.Category = CategoryForbidden
		rec.Action = ActionDisableStreaming
	case code == 404:
		rec.Category = CategoryNotFound
		if phase == PhaseStartup {
			rec.Action = ActionFatalConfig
		} else {
			rec.Action = ActionDisableChannel
		}
	case code == 406:
		rec.Category = CategoryConnectionLimit
		rec.Action = ActionWidenBackoff
	case code == 409:
		rec.Category = CategoryDuplicateSubscription
		rec.Action = ActionReconcileSubscriptions
	case code == 412:
		rec.Category = CategoryWrongEncoding
		rec.Action = ActionReportBug
	case code == 413:
		rec.Category = CategoryTooManySymbols
		rec.Action = ActionSplitBatch
	case code >= 500 && code <= 599:
		rec.Category = CategoryUpstreamFault
		rec.Action = ActionBackoffReconnect
	default:
		rec.Category = CategoryUnknown
		rec.Action = ActionDropFrame
	}

	return rec
}

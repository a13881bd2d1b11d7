package x402

import (
	"context"
	"time"
)

// OperationContext is handed to verify and settle hooks.
type OperationContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Timestamp    time.Time
}

// VerifyResultContext carries the outcome of a verify to after-hooks.
type VerifyResultContext struct {
	OperationContext
	Result   VerifyResponse
	Duration time.Duration
}

// VerifyFailureContext carries a verify transport failure to failure hooks.
type VerifyFailureContext struct {
	OperationContext
	Error    error
	Duration time.Duration
}

// SettleResultContext carries the outcome of a settle to after-hooks.
type SettleResultContext struct {
	OperationContext
	Result   SettleResponse
	Duration time.Duration
}

// SettleFailureContext carries a settle transport failure to failure hooks.
type SettleFailureContext struct {
	OperationContext
	Error    error
	Duration time.Duration
}

// BeforeHookResult aborts the operation when Abort is set; Reason becomes
// the response's invalid description.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult substitutes Result for the failure when Recovered
// is set.
type VerifyFailureHookResult struct {
	Recovered bool
	Result    VerifyResponse
}

// SettleFailureHookResult substitutes Result for the failure when Recovered
// is set.
type SettleFailureHookResult struct {
	Recovered bool
	Result    SettleResponse
}

// Hook function types. Before-hooks can abort; after-hook errors are logged
// and otherwise ignored; failure-hooks can recover with a substitute result.
type (
	BeforeVerifyHook    func(OperationContext) (*BeforeHookResult, error)
	AfterVerifyHook     func(VerifyResultContext) error
	OnVerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)
	BeforeSettleHook    func(OperationContext) (*BeforeHookResult, error)
	AfterSettleHook     func(SettleResultContext) error
	OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)
)

type serverHooks struct {
	beforeVerify    []BeforeVerifyHook
	afterVerify     []AfterVerifyHook
	onVerifyFailure []OnVerifyFailureHook
	beforeSettle    []BeforeSettleHook
	afterSettle     []AfterSettleHook
	onSettleFailure []OnSettleFailureHook
}

// WithBeforeVerifyHook runs hook before each verify; it may abort.
func WithBeforeVerifyHook(hook BeforeVerifyHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.hooks.beforeVerify = append(s.hooks.beforeVerify, hook)
	}
}

// WithAfterVerifyHook runs hook after each verify that produced a result.
func WithAfterVerifyHook(hook AfterVerifyHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.hooks.afterVerify = append(s.hooks.afterVerify, hook)
	}
}

// WithOnVerifyFailureHook runs hook when verify fails at the transport
// level; it may recover with a substitute result.
func WithOnVerifyFailureHook(hook OnVerifyFailureHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.hooks.onVerifyFailure = append(s.hooks.onVerifyFailure, hook)
	}
}

// WithBeforeSettleHook runs hook before each settle; it may abort.
func WithBeforeSettleHook(hook BeforeSettleHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.hooks.beforeSettle = append(s.hooks.beforeSettle, hook)
	}
}

// WithAfterSettleHook runs hook after each settle that produced a result.
func WithAfterSettleHook(hook AfterSettleHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.hooks.afterSettle = append(s.hooks.afterSettle, hook)
	}
}

// WithOnSettleFailureHook runs hook when settle fails at the transport
// level; it may recover with a substitute result.
func WithOnSettleFailureHook(hook OnSettleFailureHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.hooks.onSettleFailure = append(s.hooks.onSettleFailure, hook)
	}
}

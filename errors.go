package x402

import (
	"errors"
	"fmt"
)

// ErrFacilitatorUnreachable marks a transport failure talking to a
// facilitator, as opposed to the facilitator answering with a rejection.
// The settlement outcome is unknown when this is returned.
var ErrFacilitatorUnreachable = errors.New("facilitator unreachable")

// InvalidReason values form a closed taxonomy. Every verify or settle
// failure maps to exactly one of these strings; free-form error text goes in
// invalidDescription, never in the reason.
const (
	// Client format errors.
	ReasonInvalidPayload          = "invalid_payload"
	ReasonInvalidScheme           = "invalid_scheme"
	ReasonUnsupportedScheme       = "unsupported_scheme"
	ReasonInvalidX402Version      = "invalid_x402_version"
	ReasonInvalidRequirements     = "invalid_payment_requirements"
	ReasonInvalidNetwork          = "invalid_network"
	ReasonNoMatchingRequirements  = "no_matching_requirements"

	// EVM authorization errors.
	ReasonEvmSignature             = "invalid_exact_evm_payload_signature"
	ReasonEvmValidAfter            = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonEvmValidBefore           = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonEvmValue                 = "invalid_exact_evm_payload_authorization_value"
	ReasonEvmRecipientMismatch     = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonEvmUndeployedSmartWallet = "invalid_exact_evm_payload_undeployed_smart_wallet"
	ReasonInsufficientFunds        = "insufficient_funds"

	// SVM transaction-shape errors, one per deconstruction rule.
	ReasonSvmNotDecodable         = "invalid_exact_svm_payload_transaction_could_not_be_decoded"
	ReasonSvmInstructionsLength   = "invalid_exact_svm_payload_transaction_instructions_length"
	ReasonSvmComputeLimit         = "invalid_exact_svm_payload_transaction_compute_limit_instruction"
	ReasonSvmComputePrice         = "invalid_exact_svm_payload_transaction_compute_price_instruction"
	ReasonSvmComputePriceTooHigh  = "invalid_exact_svm_payload_transaction_compute_price_too_high"
	ReasonSvmNoTransfer           = "invalid_exact_svm_payload_transaction_no_transfer_instruction"
	ReasonSvmFeePayerTransferring = "invalid_exact_svm_payload_transaction_fee_payer_transferring_funds"
	ReasonSvmFeePayerMismatch     = "invalid_exact_svm_payload_transaction_fee_payer_mismatch"
	ReasonSvmMintMismatch         = "invalid_exact_svm_payload_transaction_mint_mismatch"
	ReasonSvmCreateATAMismatch    = "invalid_exact_svm_payload_transaction_create_ata_mismatch"
	ReasonSvmIncorrectATA         = "invalid_exact_svm_payload_transaction_transfer_to_incorrect_ata"
	ReasonSvmAmountInsufficient   = "invalid_exact_svm_payload_transaction_amount_insufficient"
	ReasonSvmSimulationFailed     = "invalid_exact_svm_payload_transaction_simulation_failed"

	// Settlement and infrastructure errors.
	ReasonInvalidTransactionState   = "invalid_transaction_state"
	ReasonUnexpectedVerifyError     = "unexpected_verify_error"
	ReasonUnexpectedSettleError     = "unexpected_settle_error"
	ReasonSvmBlockHeightExceeded    = "settle_exact_svm_block_height_exceeded"
)

// reasonTemplates drives DescribeReason. Reasons without an entry fall back
// to the raw reason string.
var reasonTemplates = map[string]string{
	ReasonInvalidPayload:            "payment payload is malformed",
	ReasonInvalidScheme:             "scheme does not match the selected payment requirements",
	ReasonUnsupportedScheme:         "no handler registered for this scheme and network",
	ReasonInvalidX402Version:        "unsupported x402 protocol version",
	ReasonInvalidRequirements:       "payment requirements are malformed",
	ReasonInvalidNetwork:            "network identifier is not recognized",
	ReasonNoMatchingRequirements:    "payload does not match any accepted payment option",
	ReasonEvmSignature:              "authorization signature does not recover to the payer",
	ReasonEvmValidAfter:             "authorization is not yet valid",
	ReasonEvmValidBefore:            "authorization has expired",
	ReasonEvmValue:                  "authorized value does not cover the required amount",
	ReasonEvmRecipientMismatch:      "authorization recipient does not match payTo",
	ReasonEvmUndeployedSmartWallet:  "smart wallet is not deployed and no ERC-6492 wrapper was provided",
	ReasonInsufficientFunds:         "payer balance does not cover the required amount",
	ReasonSvmNotDecodable:           "transaction could not be decoded",
	ReasonSvmInstructionsLength:     "transaction does not carry the expected instruction sequence",
	ReasonSvmComputeLimit:           "compute unit limit instruction is missing or malformed",
	ReasonSvmComputePrice:           "compute unit price instruction is missing or malformed",
	ReasonSvmComputePriceTooHigh:    "compute unit price exceeds the facilitator ceiling",
	ReasonSvmNoTransfer:             "transaction carries no token transfer instruction",
	ReasonSvmFeePayerTransferring:   "fee payer must not be the source of transferred funds",
	ReasonSvmFeePayerMismatch:       "transaction fee payer is not the facilitator fee payer",
	ReasonSvmMintMismatch:           "transfer mint does not match the required asset",
	ReasonSvmCreateATAMismatch:      "create account instruction does not target the recipient's associated token account",
	ReasonSvmIncorrectATA:           "transfer destination is not the recipient's associated token account",
	ReasonSvmAmountInsufficient:     "transferred amount does not cover the required amount",
	ReasonSvmSimulationFailed:       "transaction simulation failed",
	ReasonInvalidTransactionState:   "authorization was already used or is in an unexpected on-chain state",
	ReasonUnexpectedVerifyError:     "verification failed for an unexpected reason",
	ReasonUnexpectedSettleError:     "settlement failed for an unexpected reason",
	ReasonSvmBlockHeightExceeded:    "transaction expired before confirmation",
}

// DescribeReason renders the human-readable description for a reason and its
// context payload. All invalidDescription strings in this module come from
// here.
func DescribeReason(reason string, context map[string]interface{}) string {
	desc, ok := reasonTemplates[reason]
	if !ok {
		desc = reason
	}
	if len(context) == 0 {
		return desc
	}
	switch reason {
	case ReasonEvmValue, ReasonSvmAmountInsufficient, ReasonInsufficientFunds:
		return fmt.Sprintf("%s: have %v, need %v %v", desc, context["available"], context["cost"], context["unit"])
	case ReasonEvmValidAfter, ReasonEvmValidBefore:
		return fmt.Sprintf("%s: validAfter=%v validBefore=%v now=%v", desc, context["validAfter"], context["validBefore"], context["now"])
	case ReasonSvmBlockHeightExceeded:
		return fmt.Sprintf("%s: currentHeight=%v lastValidBlockHeight=%v", desc, context["current"], context["lastValid"])
	}
	return desc
}

// PaymentError carries a taxonomy reason through Go error returns. Scheme
// code builds Verify/Settle responses directly; PaymentError is for paths
// that must surface through error-returning interfaces.
type PaymentError struct {
	Reason  string
	Message string
	Context map[string]interface{}
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return e.Reason
}

// NewPaymentError builds a PaymentError with a rendered message.
func NewPaymentError(reason string, context map[string]interface{}) *PaymentError {
	return &PaymentError{
		Reason:  reason,
		Message: DescribeReason(reason, context),
		Context: context,
	}
}

// InvalidVerify builds the failed VerifyResponse for a reason.
func InvalidVerify(reason string, context map[string]interface{}) *VerifyResponse {
	return &VerifyResponse{
		IsValid:            false,
		InvalidReason:      reason,
		InvalidDescription: DescribeReason(reason, context),
		Context:            context,
	}
}

// FailedSettle builds the failed SettleResponse for a reason.
func FailedSettle(reason string, network Network, context map[string]interface{}) *SettleResponse {
	return &SettleResponse{
		Success:            false,
		ErrorReason:        reason,
		InvalidDescription: DescribeReason(reason, context),
		Context:            context,
		Network:            network,
	}
}

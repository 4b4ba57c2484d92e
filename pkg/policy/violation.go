package policy

import (
	"errors"
	"fmt"
)

// Code is the stable machine-readable identifier of a policy violation.
type Code string

const (
	CodeChainNotAllowed         Code = "chain_not_allowed"
	CodeTokenNotAllowed         Code = "token_not_allowed"
	CodeTradeAmountTooLarge     Code = "trade_amount_too_large"
	CodeTransferAmountTooLarge  Code = "transfer_amount_too_large"
	CodeRecipientNotAllowed     Code = "recipient_not_allowed"
	CodeSignerAddressNotAllowed Code = "signer_address_not_allowed"
	CodeRouterNotAllowed        Code = "router_not_allowed"
	CodeSignChainIDNotAllowed   Code = "sign_chain_id_not_allowed"
	CodeSignValueTooLarge       Code = "sign_value_too_large"
	CodeSignGasTooLarge         Code = "sign_gas_too_large"
	CodeSignDataTooLarge        Code = "sign_data_too_large"
	CodeSignContractCreation    Code = "sign_contract_creation_not_allowed"
	CodeExchangeNotAllowed      Code = "exchange_not_allowed"
	CodeInvalidSide             Code = "invalid_side"
	CodeInvalidOrderType        Code = "invalid_order_type"
	CodeInvalidAmount           Code = "invalid_amount"
	CodeInvalidPrice            Code = "invalid_price"
	CodeCustomRuleViolation     Code = "custom_rule_violation"
	CodeInsightNotFound         Code = "insight_not_found"
	CodeInsightSymbolMismatch   Code = "insight_symbol_mismatch"
	CodeInsightExpired          Code = "insight_expired"
	CodeInvalidConfig           Code = "invalid_policy_configuration"
)

// Violation is returned when an action fails validation. Data carries the
// offending value together with the configured allowlist or limit.
type Violation struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

func violation(code Code, data map[string]any, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...), Data: data}
}

// AsViolation unwraps err into a *Violation when it is one.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

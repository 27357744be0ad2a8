package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// ProposalConfig describes where funding proposals are expected to land.
type ProposalConfig struct {
	// DAOContractID is the Sputnik DAO contract the proposal is added to.
	DAOContractID string
	// SenderAccountID is the account that submits proposals; the RPC needs
	// it to locate the transaction.
	SenderAccountID string
	// TokenID is the fungible token contract paid out; empty means native NEAR.
	TokenID string
	// TokenDecimals converts budget units into the token's base units.
	TokenDecimals int32
	// MethodName defaults to "add_proposal".
	MethodName string
}

// TransactionVerifier checks that an on-chain transaction is the expected
// DAO funding proposal for a milestone.
type TransactionVerifier struct {
	client *Client
	cfg    ProposalConfig
	logger *slog.Logger
}

// NewTransactionVerifier creates a verifier using client for lookups.
func NewTransactionVerifier(client *Client, cfg ProposalConfig, logger *slog.Logger) *TransactionVerifier {
	if cfg.MethodName == "" {
		cfg.MethodName = "add_proposal"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionVerifier{client: client, cfg: cfg, logger: logger}
}

type txStatus struct {
	Status      map[string]json.RawMessage `json:"status"`
	Transaction struct {
		SignerID   string            `json:"signer_id"`
		ReceiverID string            `json:"receiver_id"`
		Actions    []json.RawMessage `json:"actions"`
	} `json:"transaction"`
}

type functionCall struct {
	MethodName string `json:"method_name"`
	Args       string `json:"args"`
}

type addProposalArgs struct {
	Proposal struct {
		Description string `json:"description"`
		Kind        struct {
			Transfer *struct {
				TokenID    string `json:"token_id"`
				ReceiverID string `json:"receiver_id"`
				Amount     string `json:"amount"`
			} `json:"Transfer"`
		} `json:"kind"`
	} `json:"proposal"`
}

// VerifyTransaction reports whether txHash added a transfer proposal of
// amount to recipient whose description references commitment.
// Mismatches and unknown transactions return false with a nil error.
func (v *TransactionVerifier) VerifyTransaction(ctx context.Context, txHash, commitment string, amount decimal.Decimal, recipient string) (bool, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return false, nil
	}

	params := map[string]string{
		"tx_hash":           txHash,
		"sender_account_id": v.cfg.SenderAccountID,
		"wait_until":        "FINAL",
	}
	var status txStatus
	if err := v.client.call(ctx, "tx", params, &status); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			v.logger.Info("transaction lookup rejected", "txHash", txHash, "error", rpcErr)
			return false, nil
		}
		return false, err
	}

	if _, ok := status.Status["SuccessValue"]; !ok {
		v.logger.Info("transaction did not succeed", "txHash", txHash)
		return false, nil
	}
	if status.Transaction.ReceiverID != v.cfg.DAOContractID {
		v.logger.Info("transaction sent to unexpected contract", "txHash", txHash, "receiver", status.Transaction.ReceiverID)
		return false, nil
	}

	want := amount.Shift(v.cfg.TokenDecimals)
	for _, raw := range status.Transaction.Actions {
		args, ok := v.proposalArgs(raw)
		if !ok {
			continue
		}
		if v.matches(args, commitment, want, recipient) {
			return true, nil
		}
	}
	v.logger.Info("transaction does not carry the expected proposal",
		"txHash", txHash, "recipient", recipient, "amount", want.String())
	return false, nil
}

// proposalArgs extracts add_proposal args from a FunctionCall action.
// Actions without a payload are encoded as bare strings and are skipped.
func (v *TransactionVerifier) proposalArgs(raw json.RawMessage) (*addProposalArgs, bool) {
	var action map[string]json.RawMessage
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, false
	}
	fcRaw, ok := action["FunctionCall"]
	if !ok {
		return nil, false
	}
	var fc functionCall
	if err := json.Unmarshal(fcRaw, &fc); err != nil || fc.MethodName != v.cfg.MethodName {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(fc.Args)
	if err != nil {
		return nil, false
	}
	var args addProposalArgs
	if err := json.Unmarshal(decoded, &args); err != nil {
		return nil, false
	}
	return &args, true
}

func (v *TransactionVerifier) matches(args *addProposalArgs, commitment string, want decimal.Decimal, recipient string) bool {
	transfer := args.Proposal.Kind.Transfer
	if transfer == nil {
		return false
	}
	if commitment == "" || !strings.Contains(args.Proposal.Description, commitment) {
		return false
	}
	if transfer.ReceiverID != recipient || transfer.TokenID != v.cfg.TokenID {
		return false
	}
	got, err := decimal.NewFromString(transfer.Amount)
	if err != nil {
		return false
	}
	return got.Equal(want)
}


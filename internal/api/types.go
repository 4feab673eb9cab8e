package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/usdc-relay/cctp-orchestrator/internal/transfer"
)

// TransferRequest is the request body for POST /v1/transfers and POST /v1/deposits. Exactly one
// of Amount (base units) and AmountDecimal must be set.
type TransferRequest struct {
	Amount           string `json:"amount,omitempty"`
	AmountDecimal    string `json:"amount_decimal,omitempty"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	Recipient        string `json:"recipient"`
	SourceToken      string `json:"source_token,omitempty"`
	ClientRef        string `json:"client_ref,omitempty"`
}

// ResumeRequest is the request body for POST /v1/transfers/resume. Either TransferID or the
// chain pair plus BurnTx identifies the transfer.
type ResumeRequest struct {
	TransferID       string `json:"transfer_id,omitempty"`
	SourceChain      string `json:"source_chain,omitempty"`
	DestinationChain string `json:"destination_chain,omitempty"`
	BurnTx           string `json:"burn_tx,omitempty"`
	MessageHash      string `json:"message_hash,omitempty"`
	// ResubmitReceive sends a fresh receiveMessage instead of waiting on the one recorded by the
	// previous attempt.
	ResubmitReceive bool `json:"resubmit_receive,omitempty"`
}

// ReceiptResponse is returned when a transfer completes.
type ReceiptResponse struct {
	TransferID    string `json:"transfer_id"`
	Attempt       int    `json:"attempt"`
	SourceTx      string `json:"source_tx"`
	DestinationTx string `json:"destination_tx,omitempty"`
}

// TransferView is the persisted state of one attempt.
type TransferView struct {
	TransferID       string `json:"transfer_id"`
	Attempt          int    `json:"attempt"`
	Flow             string `json:"flow"`
	Stage            string `json:"stage"`
	Amount           string `json:"amount"`
	SourceChain      string `json:"source_chain"`
	DestinationChain string `json:"destination_chain"`
	Recipient        string `json:"recipient"`
	SourceToken      string `json:"source_token,omitempty"`
	ClientRef        string `json:"client_ref,omitempty"`

	ApprovalTx  string `json:"approval_tx,omitempty"`
	BurnTx      string `json:"burn_tx,omitempty"`
	MessageHash string `json:"message_hash,omitempty"`
	ReceiveTx   string `json:"receive_tx,omitempty"`
	RouteTx     string `json:"route_tx,omitempty"`

	FailedStage string `json:"failed_stage,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransferList is returned by the listing endpoints.
type TransferList struct {
	Transfers []TransferView `json:"transfers"`
}

// ErrorResponse is the body of every non-2xx response. Kind and Transfer are set when an
// orchestration failed after it was accepted.
type ErrorResponse struct {
	Error    string        `json:"error"`
	Detail   string        `json:"detail,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Stage    string        `json:"stage,omitempty"`
	Transfer *TransferView `json:"transfer,omitempty"`
}

func viewOf(st transfer.State) TransferView {
	v := TransferView{
		TransferID:       st.ID,
		Attempt:          st.Attempt,
		Flow:             st.Flow.String(),
		Stage:            st.Stage.String(),
		Amount:           st.Request.Amount,
		SourceChain:      st.Request.SourceChain,
		DestinationChain: st.Request.DestinationChain,
		Recipient:        st.Request.Recipient.Hex(),
		ClientRef:        st.Request.ClientRef,
		ApprovalTx:       hashOrEmpty(st.ApprovalTxHash),
		BurnTx:           hashOrEmpty(st.BurnTxHash),
		MessageHash:      hashOrEmpty(st.MessageHash),
		ReceiveTx:        hashOrEmpty(st.ReceiveTxHash),
		RouteTx:          hashOrEmpty(st.RouteTxHash),
		CreatedAt:        st.CreatedAt.UTC(),
		UpdatedAt:        st.UpdatedAt.UTC(),
	}
	if (st.Request.SourceToken != common.Address{}) {
		v.SourceToken = st.Request.SourceToken.Hex()
	}
	if st.Stage == transfer.StageFailed {
		v.FailedStage = st.FailedStage.String()
		v.ErrorKind = st.ErrorKind.String()
		v.Error = st.Error
	}
	return v
}

func receiptOf(r transfer.Receipt) ReceiptResponse {
	return ReceiptResponse{
		TransferID:    r.TransferID,
		Attempt:       r.Attempt,
		SourceTx:      r.SourceTxHash.Hex(),
		DestinationTx: hashOrEmpty(r.DestinationTxHash),
	}
}

func hashOrEmpty(h common.Hash) string {
	if (h == common.Hash{}) {
		return ""
	}
	return h.Hex()
}

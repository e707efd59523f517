package shared

// Lifecycle events counted by the metrics recorder.
const (
	EventDraftConverted  = "draft_converted"
	EventProposalSent    = "proposal_sent"
	EventProposalSigned  = "proposal_signed"
	EventInvoiceCreated  = "invoice_created"
	EventPaymentRecorded = "payment_recorded"
	EventProspectWon     = "prospect_won"
)

// Recorder counts lifecycle outcomes and collaborator failures.
type Recorder interface {
	Lifecycle(event string)
	CollaboratorFailure(collaborator string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Lifecycle(string) {}
func (NopRecorder) CollaboratorFailure(string) {}

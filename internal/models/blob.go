package models

// BlobStateTransformed is the state recorded once a batch has been validated.
const BlobStateTransformed = "transformed"

// RecordOutcome is the normalized validation result for one record. Record
// holds the record as it leaves validation, which is the corrected record when
// a fix was applied.
type RecordOutcome struct {
	Record   any   `json:"record"`
	Failed   bool  `json:"failed"`
	Messages []any `json:"messages"`
}

// BlobMetadataUpdate is the batch level status sent to the metadata store once
// validation has completed.
type BlobMetadataUpdate struct {
	State           string          `json:"state"`
	NumberOfRecords int             `json:"numberOfRecords"`
	FailedRecords   []RecordOutcome `json:"failedRecords"`
}

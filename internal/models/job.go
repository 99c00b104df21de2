package models

// TransformationJob requests the transformation of one blob. Jobs arrive on
// the job topic when the service runs in worker mode.
type TransformationJob struct {
	BlobID         string `json:"blob_id"`
	Profile        string `json:"profile"`
	AbortOnInvalid bool   `json:"abort_on_invalid,omitempty"`
	Fix            bool   `json:"fix,omitempty"`
}

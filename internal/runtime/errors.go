package runtime

import "fmt"

// Job stages reported by StageError.
const (
	StageValidate  = "validate"
	StageParse     = "parse"
	StageSetup     = "setup"
	StageInference = "inference"
	StageExport    = "export"
)

// StageError tags a fatal job error with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

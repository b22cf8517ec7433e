package models

// SeriesDescriptor is the minimal metadata the materializer extracts for
// one grouped series, consumed by the template matcher and identity mapper.
type SeriesDescriptor struct {
	PatientID         string `json:"patient_id"`
	PatientName       string `json:"patient_name"`
	PatientBirthDate  string `json:"patient_birth_date"`
	StudyUID          string `json:"study_uid"`
	StudyDate         string `json:"study_date"`
	StudyDescription  string `json:"study_description"`
	SeriesUID         string `json:"series_uid"`
	SeriesDate        string `json:"series_date"`
	SeriesDescription string `json:"series_description"`
	FrameOfReference  string `json:"frame_of_reference"`
	Modality          string `json:"modality"`
	WorkingDir        string `json:"working_dir"`
	FileCount         int    `json:"file_count"`
}

// MatchOutcome is the result vocabulary of template classification.
type MatchOutcome string

const (
	MatchMatched           MatchOutcome = "MATCHED"
	MatchNone              MatchOutcome = "NO_MATCH"
	MatchMultiple          MatchOutcome = "MULTIPLE_MATCH"
	MatchInvalidAttached   MatchOutcome = "INVALID_ATTACHED"
	MatchMultipleArtifacts MatchOutcome = "MULTIPLE_ARTIFACTS"
)

package identity

import (
	"fmt"

	"github.com/CHAVI-India/draw-client-pipeline-sub000/internal/dicomio"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// purgeTags are removed from the dataset entirely rather than blanked.
var purgeTags = []tag.Tag{
	tag.PatientAddress,
	tag.PatientTelephoneNumbers,
	tag.OtherPatientIDs,
	tag.OtherPatientIDsSequence,
	tag.PatientMotherBirthName,
	tag.PatientComments,
	tag.MilitaryRank,
	tag.EthnicGroup,
	tag.PatientReligiousPreference,
	tag.InstitutionAddress,
	tag.ReferringPhysicianAddress,
	tag.ReferringPhysicianTelephoneNumbers,
}

// blankTags are set to an empty value when present.
var blankTags = []tag.Tag{
	tag.ReferringPhysicianName,
	tag.PerformingPhysicianName,
	tag.OperatorsName,
	tag.PhysiciansOfRecord,
	tag.NameOfPhysiciansReadingStudy,
	tag.RequestingPhysician,
	tag.AccessionNumber,
	tag.InstitutionName,
	tag.InstitutionalDepartmentName,
	tag.StationName,
	tag.StudyID,
}

// ApplyForwardMapping rewrites all identifying fields of one file's parsed
// metadata in memory: identifiers become the hierarchy pseudonyms, names
// become the fixed placeholder, descriptions become templated placeholders,
// dates get the run offset. Pixel and bulk data are untouched. Attributes
// absent from the original stay absent; purge-listed attributes are removed
// entirely.
func (m *Mapper) ApplyForwardMapping(ds *dicomio.Dataset, chain *Chain, instancePseudoUID string) error {
	set := func(t tag.Tag, v string) error {
		if err := ds.SetString(t, v); err != nil {
			return fmt.Errorf("failed to set tag %v: %w", t, err)
		}
		return nil
	}

	// Hierarchy identifiers
	if err := set(tag.PatientID, chain.Patient.PseudoID); err != nil {
		return err
	}
	if err := set(tag.PatientName, chain.Patient.PseudoName); err != nil {
		return err
	}
	if err := set(tag.PatientBirthDate, chain.Patient.PseudoBirth); err != nil {
		return err
	}
	if err := set(tag.StudyInstanceUID, chain.Study.PseudoUID); err != nil {
		return err
	}
	if err := set(tag.SeriesInstanceUID, chain.Series.PseudoUID); err != nil {
		return err
	}
	if err := set(tag.SOPInstanceUID, instancePseudoUID); err != nil {
		return err
	}
	if err := set(tag.MediaStorageSOPInstanceUID, instancePseudoUID); err != nil {
		return err
	}
	if chain.Series.PseudoFrameOfRef != "" {
		if err := set(tag.FrameOfReferenceUID, chain.Series.PseudoFrameOfRef); err != nil {
			return err
		}
	}

	// Free-text descriptions become templated placeholders keyed by the
	// pseudonymous identity, keeping files attributable without leaking text.
	if err := set(tag.StudyDescription, fmt.Sprintf("Study %s", chain.Study.PseudoUID)); err != nil {
		return err
	}
	if err := set(tag.SeriesDescription, fmt.Sprintf("Series %s", chain.Series.PseudoUID)); err != nil {
		return err
	}

	// Dates
	if err := set(tag.StudyDate, chain.Study.PseudoDate); err != nil {
		return err
	}
	if err := set(tag.SeriesDate, chain.Series.PseudoDate); err != nil {
		return err
	}
	for _, t := range []tag.Tag{tag.AcquisitionDate, tag.ContentDate, tag.InstanceCreationDate} {
		if v := ds.GetString(t); v != "" {
			if err := set(t, m.DateShift(v)); err != nil {
				return err
			}
		}
	}

	for _, t := range blankTags {
		if err := set(t, ""); err != nil {
			return err
		}
	}
	for _, t := range purgeTags {
		ds.Remove(t)
	}

	return nil
}

// AllowedModality reports whether a modality is admitted into the
// pipeline. Files outside the allow-list are rejected at ingestion and
// never pseudonymized.
func AllowedModality(modality string, allowed []string) bool {
	for _, a := range allowed {
		if modality == a {
			return true
		}
	}
	return false
}

// Package dicomtest builds minimal synthetic DICOM objects for tests.
package dicomtest

import (
	"os"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// explicitVRLittleEndian is the transfer syntax written into fixtures.
const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// ctImageStorage is the SOP class used by image fixtures.
const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// FieldSpec is an ordered tag/value pair for a fixture dataset.
type FieldSpec struct {
	Tag   tag.Tag
	Value string
}

// NewDataset builds an image dataset carrying the mandatory file meta
// elements plus the given string fields.
func NewDataset(t *testing.T, sopInstanceUID string, fields []FieldSpec) dicom.Dataset {
	t.Helper()
	return NewDatasetWithClass(t, ctImageStorage, sopInstanceUID, fields)
}

// NewDatasetWithClass builds a dataset of an arbitrary SOP class.
func NewDatasetWithClass(t *testing.T, sopClassUID, sopInstanceUID string, fields []FieldSpec) dicom.Dataset {
	t.Helper()

	mustElem := func(tg tag.Tag, v string) *dicom.Element {
		e, err := dicom.NewElement(tg, []string{v})
		if err != nil {
			t.Fatalf("failed to build element %v: %v", tg, err)
		}
		return e
	}

	elems := []*dicom.Element{
		mustElem(tag.MediaStorageSOPClassUID, sopClassUID),
		mustElem(tag.MediaStorageSOPInstanceUID, sopInstanceUID),
		mustElem(tag.TransferSyntaxUID, explicitVRLittleEndian),
		mustElem(tag.SOPClassUID, sopClassUID),
		mustElem(tag.SOPInstanceUID, sopInstanceUID),
	}
	for _, f := range fields {
		elems = append(elems, mustElem(f.Tag, f.Value))
	}

	return dicom.Dataset{Elements: elems}
}

// SequenceItem groups the elements of one item in a fixture sequence.
type SequenceItem []*dicom.Element

// NewStringElement builds a single string element, for assembling
// sequence items by hand.
func NewStringElement(t *testing.T, tg tag.Tag, value string) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, []string{value})
	if err != nil {
		t.Fatalf("failed to build element %v: %v", tg, err)
	}
	return e
}

// NewSequenceElement nests the given items under a sequence tag. Items
// may themselves contain sequence elements, so arbitrarily deep
// structures can be composed.
func NewSequenceElement(t *testing.T, tg tag.Tag, items ...SequenceItem) *dicom.Element {
	t.Helper()
	nested := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		nested = append(nested, item)
	}
	e, err := dicom.NewElement(tg, nested)
	if err != nil {
		t.Fatalf("failed to build sequence %v: %v", tg, err)
	}
	return e
}

// WriteFile writes a fixture dataset to path.
func WriteFile(t *testing.T, path string, ds dicom.Dataset) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create fixture file: %v", err)
	}
	defer f.Close()

	if err := dicom.Write(f, ds,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
	); err != nil {
		t.Fatalf("failed to write fixture DICOM: %v", err)
	}
}

// WriteImage writes a minimal imaging object with the standard identity
// fields filled in.
func WriteImage(t *testing.T, path, patientID, studyUID, seriesUID, sopUID, modality string) {
	t.Helper()
	ds := NewDataset(t, sopUID, []FieldSpec{
		{tag.PatientID, patientID},
		{tag.PatientName, "DOE^JANE"},
		{tag.PatientBirthDate, "19700101"},
		{tag.StudyInstanceUID, studyUID},
		{tag.StudyDate, "20240101"},
		{tag.StudyDescription, "CT HEAD"},
		{tag.SeriesInstanceUID, seriesUID},
		{tag.SeriesDate, "20240101"},
		{tag.SeriesDescription, "AXIAL"},
		{tag.Modality, modality},
	})
	WriteFile(t, path, ds)
}

package dicomio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Dataset wraps a parsed DICOM dataset for easier access.
type Dataset struct {
	Data     dicom.Dataset
	FilePath string
}

// ReadFile reads and parses a DICOM file.
func ReadFile(path string) (*Dataset, error) {
	return read(path)
}

// ReadFileMetadataOnly parses a DICOM file skipping pixel data.
func ReadFileMetadataOnly(path string) (*Dataset, error) {
	return read(path, dicom.SkipPixelData())
}

func read(path string, opts ...dicom.ParseOption) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat file: %w", err)
	}

	ds, err := dicom.Parse(f, info.Size(), nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not parse DICOM: %w", err)
	}

	return &Dataset{Data: ds, FilePath: path}, nil
}

// GetString returns the first string value for a tag, or empty string if
// the tag is absent.
func (d *Dataset) GetString(t tag.Tag) string {
	elem, err := d.Data.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return ""
	}

	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case string:
		return v
	}
	return ""
}

// SetString replaces the value of an existing tag. A tag absent from the
// original dataset stays absent: identifying attributes are never invented
// during pseudonymization.
func (d *Dataset) SetString(t tag.Tag, value string) error {
	elem, err := d.Data.FindElementByTag(t)
	if err != nil {
		return nil
	}

	newValue, err := dicom.NewValue([]string{value})
	if err != nil {
		return fmt.Errorf("could not create value: %w", err)
	}

	newElem := &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    elem.ValueRepresentation,
		RawValueRepresentation: elem.RawValueRepresentation,
		ValueLength:            uint32(len(value)),
		Value:                  newValue,
	}

	for i, e := range d.Data.Elements {
		if e.Tag == t {
			d.Data.Elements[i] = newElem
			return nil
		}
	}
	return nil
}

// Remove deletes a tag from the dataset entirely (not blanked). Used for
// attributes the deidentification profile requires to be purged.
func (d *Dataset) Remove(t tag.Tag) {
	kept := d.Data.Elements[:0]
	for _, e := range d.Data.Elements {
		if e.Tag != t {
			kept = append(kept, e)
		}
	}
	d.Data.Elements = kept
}

// Has reports whether a tag is present.
func (d *Dataset) Has(t tag.Tag) bool {
	_, err := d.Data.FindElementByTag(t)
	return err == nil
}

// ReplaceUIDValues walks every element of the dataset, including elements
// nested in sequences, replacing any string value found in the table.
// Returns the number of replacements made. This is how embedded
// cross-references (referenced SOP instances, referenced series,
// frame-of-reference) are rewritten on result artifacts.
func (d *Dataset) ReplaceUIDValues(table map[string]string) int {
	replaced := 0
	for elem := range d.Data.FlatIterator() {
		if elem == nil || elem.Value == nil {
			continue
		}
		values, ok := elem.Value.GetValue().([]string)
		if !ok {
			continue
		}

		changed := false
		out := make([]string, len(values))
		for i, v := range values {
			if mapped, hit := table[v]; hit {
				out[i] = mapped
				changed = true
				replaced++
			} else {
				out[i] = v
			}
		}
		if !changed {
			continue
		}

		if newValue, err := dicom.NewValue(out); err == nil {
			elem.Value = newValue
		}
	}
	return replaced
}

// TagValues returns the top-level tag/value set of the dataset as
// "GGGGEEEE" hex keys mapped to first string values. Rule-based template
// matching evaluates against this map.
func (d *Dataset) TagValues() map[string]string {
	out := make(map[string]string, len(d.Data.Elements))
	for _, elem := range d.Data.Elements {
		if elem == nil || elem.Value == nil {
			continue
		}
		values, ok := elem.Value.GetValue().([]string)
		if !ok || len(values) == 0 {
			continue
		}
		key := fmt.Sprintf("%04X%04X", elem.Tag.Group, elem.Tag.Element)
		out[key] = values[0]
	}
	return out
}

// FindNestedString searches a sequence element recursively for the first
// occurrence of target and returns its string value. Used to extract
// structural references such as the referenced series UID embedded in an
// RTSTRUCT's frame-of-reference sequence.
func (d *Dataset) FindNestedString(seqTag, target tag.Tag) string {
	elem, err := d.Data.FindElementByTag(seqTag)
	if err != nil {
		return ""
	}
	return findInElement(elem, target)
}

func findInElement(elem *dicom.Element, target tag.Tag) string {
	if elem == nil || elem.Value == nil {
		return ""
	}
	if elem.Tag == target {
		if values, ok := elem.Value.GetValue().([]string); ok && len(values) > 0 {
			return values[0]
		}
		return ""
	}
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return ""
	}
	for _, item := range items {
		elems, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		for _, child := range elems {
			if v := findInElement(child, target); v != "" {
				return v
			}
		}
	}
	return ""
}

// Modality returns the acquisition modality (e.g. "CT", "MR", "PT", "US").
func (d *Dataset) Modality() string {
	return d.GetString(tag.Modality)
}

// SOPClassUID returns the SOP class of the object.
func (d *Dataset) SOPClassUID() string {
	return d.GetString(tag.SOPClassUID)
}

// Save writes the dataset to a file, creating parent directories. Writing
// uses relaxed verification because many real-world DICOM files do not
// strictly follow VR specifications.
func (d *Dataset) Save(outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	defer f.Close()

	if err := dicom.Write(f, d.Data,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	); err != nil {
		return fmt.Errorf("could not write DICOM: %w", err)
	}
	return nil
}

// IsDICOMFile checks for the DICM magic bytes at offset 128.
func IsDICOMFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, 132)
	if n, err := io.ReadFull(f, header); err != nil || n < 132 {
		return false
	}
	return string(header[128:132]) == "DICM"
}

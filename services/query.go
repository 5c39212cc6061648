package services

import (
	"github.com/0xLigety/fo-dicom/dicom"
	"github.com/0xLigety/fo-dicom/types"
)

// Standard Query/Retrieve identifier tags (PS 3.4 Annex C).
var (
	tagQueryRetrieveLevel   = types.Tag{Group: 0x0008, Element: 0x0052}
	tagPatientName          = types.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID            = types.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate     = types.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex           = types.Tag{Group: 0x0010, Element: 0x0040}
	tagStudyInstanceUID     = types.Tag{Group: 0x0020, Element: 0x000D}
	tagStudyID              = types.Tag{Group: 0x0020, Element: 0x0010}
	tagStudyDate            = types.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime            = types.Tag{Group: 0x0008, Element: 0x0030}
	tagStudyDescription     = types.Tag{Group: 0x0008, Element: 0x1030}
	tagModality             = types.Tag{Group: 0x0008, Element: 0x0060}
	tagSeriesInstanceUID    = types.Tag{Group: 0x0020, Element: 0x000E}
	tagSeriesNumber         = types.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDescription    = types.Tag{Group: 0x0008, Element: 0x103E}
	tagSOPInstanceUID       = types.Tag{Group: 0x0008, Element: 0x0018}
	tagInstanceNumber       = types.Tag{Group: 0x0020, Element: 0x0013}
	tagAccessionNumber      = types.Tag{Group: 0x0008, Element: 0x0050}
	tagReferringPhysician   = types.Tag{Group: 0x0008, Element: 0x0090}
)

// parseQueryRequest decodes a C-FIND/C-MOVE/C-GET identifier dataset
// into the flat types.QueryRequest reference handlers match against.
func parseQueryRequest(identifier []byte, transferSyntaxUID string) (*types.QueryRequest, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(identifier, transferSyntaxUID)
	if err != nil {
		return nil, err
	}

	return &types.QueryRequest{
		Level:              types.QueryLevel(ds.GetString(tagQueryRetrieveLevel)),
		PatientName:        ds.GetString(tagPatientName),
		PatientID:          ds.GetString(tagPatientID),
		PatientBirthDate:   ds.GetString(tagPatientBirthDate),
		PatientSex:         ds.GetString(tagPatientSex),
		StudyInstanceUID:   ds.GetString(tagStudyInstanceUID),
		StudyID:            ds.GetString(tagStudyID),
		StudyDate:          ds.GetString(tagStudyDate),
		StudyTime:          ds.GetString(tagStudyTime),
		StudyDescription:   ds.GetString(tagStudyDescription),
		Modality:           ds.GetString(tagModality),
		SeriesInstanceUID:  ds.GetString(tagSeriesInstanceUID),
		SeriesNumber:       ds.GetString(tagSeriesNumber),
		SeriesDescription:  ds.GetString(tagSeriesDescription),
		SOPInstanceUID:     ds.GetString(tagSOPInstanceUID),
		InstanceNumber:     ds.GetString(tagInstanceNumber),
		AccessionNumber:    ds.GetString(tagAccessionNumber),
		ReferringPhysician: ds.GetString(tagReferringPhysician),
	}, nil
}

// studyResultDataset builds the C-FIND/C-GET/C-MOVE response identifier
// for one matched study, encoded back in the same transfer syntax the
// query arrived in.
func studyResultDataset(study types.Study, transferSyntaxUID string) ([]byte, error) {
	ds := types.NewDataset()
	ds.AddElement(tagStudyInstanceUID, types.VR_UI, study.InstanceUID)
	ds.AddElement(tagStudyID, types.VR_SH, study.ID)
	ds.AddElement(tagStudyDate, types.VR_DA, study.Date)
	ds.AddElement(tagStudyTime, types.VR_TM, study.Time)
	ds.AddElement(tagStudyDescription, types.VR_LO, study.Description)
	ds.AddElement(tagAccessionNumber, types.VR_SH, study.AccessionNum)
	ds.AddElement(tagReferringPhysician, types.VR_PN, study.RefPhysician)
	return dicom.EncodeDatasetWithTransferSyntax(ds, transferSyntaxUID)
}

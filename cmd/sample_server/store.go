package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/0xLigety/fo-dicom/types"
)

// memStore is an in-memory interfaces.DataStore backing the sample
// server: one synthetic study (see seedSynthetic), queryable by case-insensitive
// substring matching applied directly against its instance maps.
type memStore struct {
	mu       sync.RWMutex
	patients map[string]*types.Patient
	studies  map[string]*types.Study
	series   map[string]*types.Series
	images   map[string]*types.Image
}

func newMemStore() *memStore {
	return &memStore{
		patients: make(map[string]*types.Patient),
		studies:  make(map[string]*types.Study),
		series:   make(map[string]*types.Series),
		images:   make(map[string]*types.Image),
	}
}

// seedSynthetic populates the store with one patient/study/series/image,
// the same synthetic CT instance the prior sample server generated on
// the fly, so C-FIND/C-MOVE/C-GET have something to match against out
// of the box.
func (s *memStore) seedSynthetic() {
	s.mu.Lock()
	defer s.mu.Unlock()

	sopInstanceUID := "1.2.840.999.999.1.1.1.1.1.1"
	image := &types.Image{SOPInstanceUID: sopInstanceUID, InstanceNumber: "1"}
	series := &types.Series{
		InstanceUID: "1.2.840.999.999.1.1.1.1.1",
		Number:      "1",
		Description: "Synthetic CT series",
		Modality:    "CT",
		Images:      []types.Image{*image},
	}
	study := &types.Study{
		InstanceUID:  "1.2.840.999.999.1.1.1.1",
		ID:           "1",
		Date:         "20250109",
		Time:         "120000",
		Description:  "Synthetic Test Study",
		AccessionNum: "ACC123",
		RefPhysician: "",
		Series:       []types.Series{*series},
	}
	patient := &types.Patient{
		Name:      "TEST^PATIENT",
		ID:        "12345",
		BirthDate: "",
		Sex:       "",
		Studies:   []types.Study{*study},
	}

	s.patients[patient.ID] = patient
	s.studies[study.InstanceUID] = study
	s.series[series.InstanceUID] = series
	s.images[image.SOPInstanceUID] = image
}

func (s *memStore) FindPatients(query *types.QueryRequest) ([]types.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Patient
	for _, p := range s.patients {
		if matchSubstring(query.PatientName, p.Name) && matchSubstring(query.PatientID, p.ID) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) GetPatient(patientID string) (*types.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("memstore: no patient %q", patientID)
	}
	return p, nil
}

func (s *memStore) StorePatient(patient *types.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.ID] = patient
	return nil
}

func (s *memStore) FindStudies(query *types.QueryRequest) ([]types.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Study
	for _, st := range s.studies {
		if matchSubstring(query.StudyInstanceUID, st.InstanceUID) &&
			matchSubstring(query.StudyDescription, st.Description) &&
			matchSubstring(query.AccessionNumber, st.AccessionNum) {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *memStore) GetStudy(studyInstanceUID string) (*types.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.studies[studyInstanceUID]
	if !ok {
		return nil, fmt.Errorf("memstore: no study %q", studyInstanceUID)
	}
	return st, nil
}

func (s *memStore) StoreStudy(study *types.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies[study.InstanceUID] = study
	return nil
}

func (s *memStore) FindSeries(query *types.QueryRequest) ([]types.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Series
	for _, se := range s.series {
		if matchSubstring(query.SeriesInstanceUID, se.InstanceUID) && matchSubstring(query.Modality, se.Modality) {
			out = append(out, *se)
		}
	}
	return out, nil
}

func (s *memStore) GetSeries(seriesInstanceUID string) (*types.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.series[seriesInstanceUID]
	if !ok {
		return nil, fmt.Errorf("memstore: no series %q", seriesInstanceUID)
	}
	return se, nil
}

func (s *memStore) StoreSeries(series *types.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[series.InstanceUID] = series
	return nil
}

func (s *memStore) FindImages(query *types.QueryRequest) ([]types.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Image
	for _, img := range s.images {
		if matchSubstring(query.SOPInstanceUID, img.SOPInstanceUID) {
			out = append(out, *img)
		}
	}
	return out, nil
}

func (s *memStore) GetImage(sopInstanceUID string) (*types.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[sopInstanceUID]
	if !ok {
		return nil, fmt.Errorf("memstore: no image %q", sopInstanceUID)
	}
	return img, nil
}

func (s *memStore) StoreImage(image *types.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image.SOPInstanceUID] = image
	return nil
}

func matchSubstring(query, value string) bool {
	if query == "" {
		return true
	}
	return strings.Contains(strings.ToUpper(value), strings.ToUpper(query))
}

// staticResolver implements services.AETitleResolver from a fixed
// AETITLE=host:port table parsed from the -move-dest flag.
type staticResolver map[string]string

func parseStaticResolver(spec string) staticResolver {
	r := staticResolver{}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		r[parts[0]] = parts[1]
	}
	return r
}

func (r staticResolver) Resolve(aeTitle string) (string, bool) {
	address, ok := r[aeTitle]
	return address, ok
}

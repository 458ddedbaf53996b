// Package shelter loads the civil-defense shelter dataset and finds the
// nearest shelter to a location. Dispatch carries the result into the Home
// Assistant event payload along with a Naver Map navigation deep link.
package shelter

import (
	"encoding/csv"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"saferelay/internal/geo"
	"saferelay/internal/types"
)

// Shelter is one row of the dataset.
type Shelter struct {
	Name    string
	Address string
	Lat     float64
	Lon     float64
}

// Load reads a shelter dataset. The format is chosen by extension: .csv or
// .xlsx. Required columns: name, lat, lon; address is optional.
func Load(path string) ([]Shelter, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(path)
	case ".xlsx", ".xls":
		return loadXLSX(path)
	default:
		return nil, types.NewAppError(types.ErrCodeShelterUnavailable,
			fmt.Sprintf("unsupported shelter dataset format %q", filepath.Ext(path)), nil)
	}
}

func loadCSV(path string) ([]Shelter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeShelterUnavailable, "cannot open shelter dataset", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeShelterUnavailable, "cannot parse shelter csv", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return parseRows(records[0], records[1:])
}

func loadXLSX(path string) ([]Shelter, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeShelterUnavailable, "cannot open shelter workbook", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeShelterUnavailable, "cannot read shelter workbook", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return parseRows(rows[0], rows[1:])
}

func parseRows(header []string, rows [][]string) ([]Shelter, error) {
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"name", "lat", "lon"} {
		if _, ok := idx[required]; !ok {
			return nil, types.NewAppError(types.ErrCodeShelterUnavailable,
				fmt.Sprintf("shelter dataset missing %q column", required), nil)
		}
	}

	shelters := make([]Shelter, 0, len(rows))
	for n, row := range rows {
		cell := func(name string) string {
			i, ok := idx[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if cell("name") == "" {
			continue
		}
		lat, err := strconv.ParseFloat(cell("lat"), 64)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeShelterUnavailable,
				fmt.Sprintf("shelter row %d has invalid lat", n+2), err)
		}
		lon, err := strconv.ParseFloat(cell("lon"), 64)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeShelterUnavailable,
				fmt.Sprintf("shelter row %d has invalid lon", n+2), err)
		}
		shelters = append(shelters, Shelter{
			Name:    cell("name"),
			Address: cell("address"),
			Lat:     lat,
			Lon:     lon,
		})
	}
	return shelters, nil
}

// NaverMapURL builds the Naver Map navigation deep link to a shelter.
func NaverMapURL(s Shelter, appName string) string {
	return fmt.Sprintf("nmap://navigation?dlat=%.6f&dlng=%.6f&dname=%s&appname=%s",
		s.Lat, s.Lon, url.QueryEscape(s.Name), appName)
}

// Navigator answers nearest-shelter queries over a loaded dataset.
type Navigator struct {
	shelters []Shelter
	appName  string
	logger   types.Logger
}

// NewNavigator loads the dataset at path. An unreadable or empty dataset is
// an error; the pipeline tolerates it by dispatching without shelter info.
func NewNavigator(path, appName string, logger types.Logger) (*Navigator, error) {
	shelters, err := Load(path)
	if err != nil {
		return nil, err
	}
	if len(shelters) == 0 {
		return nil, types.NewAppError(types.ErrCodeShelterUnavailable, "shelter dataset is empty", nil)
	}
	logger.Info("shelter dataset loaded", "path", path, "count", len(shelters))
	return &Navigator{shelters: shelters, appName: appName, logger: logger}, nil
}

// Nearest returns the closest shelter to the location as a ShelterInfo with
// distance and navigation link filled in.
func (n *Navigator) Nearest(lat, lon float64) (types.ShelterInfo, error) {
	best := -1
	bestDist := 0.0
	for i, s := range n.shelters {
		d := geo.Haversine(lat, lon, s.Lat, s.Lon)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return types.ShelterInfo{}, types.NewAppError(types.ErrCodeShelterUnavailable, "no shelters loaded", nil)
	}

	s := n.shelters[best]
	return types.ShelterInfo{
		Name:       s.Name,
		Address:    s.Address,
		Lat:        s.Lat,
		Lon:        s.Lon,
		DistanceKm: bestDist,
		MapURL:     NaverMapURL(s, n.appName),
	}, nil
}

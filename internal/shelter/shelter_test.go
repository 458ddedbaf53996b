package shelter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"saferelay/internal/types"
)

const shelterCSV = `name,address,lat,lon
City Hall Shelter,110 Sejong-daero,37.5663,126.9779
Yongsan Shelter,40 Hangang-daero,37.5326,126.9906
Busan Station Shelter,206 Jungang-daero,35.1154,129.0413
`

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shelters.csv")
	require.NoError(t, os.WriteFile(path, []byte(shelterCSV), 0o600))
	return path
}

func writeXLSX(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	rows := [][]any{
		{"name", "address", "lat", "lon"},
		{"City Hall Shelter", "110 Sejong-daero", 37.5663, 126.9779},
		{"Yongsan Shelter", "40 Hangang-daero", 37.5326, 126.9906},
	}
	for i, row := range rows {
		for j, v := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue("Sheet1", cell, v))
		}
	}
	path := filepath.Join(t.TempDir(), "shelters.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestLoadCSV(t *testing.T) {
	shelters, err := Load(writeCSV(t))
	require.NoError(t, err)
	require.Len(t, shelters, 3)
	assert.Equal(t, "City Hall Shelter", shelters[0].Name)
	assert.Equal(t, "110 Sejong-daero", shelters[0].Address)
	assert.InDelta(t, 37.5663, shelters[0].Lat, 1e-9)
}

func TestLoadXLSX(t *testing.T) {
	shelters, err := Load(writeXLSX(t))
	require.NoError(t, err)
	require.Len(t, shelters, 2)
	assert.Equal(t, "Yongsan Shelter", shelters[1].Name)
	assert.InDelta(t, 126.9906, shelters[1].Lon, 1e-6)
}

func TestLoadErrors(t *testing.T) {
	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Load("shelters.json")
		var aerr *types.AppError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, types.ErrCodeShelterUnavailable, aerr.Code)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.csv"))
		assert.Error(t, err)
	})

	t.Run("missing required column", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.csv")
		require.NoError(t, os.WriteFile(path, []byte("name,address\nA,B\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid coordinate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.csv")
		require.NoError(t, os.WriteFile(path, []byte("name,lat,lon\nA,north,1.0\n"), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("rows without a name are skipped", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sparse.csv")
		require.NoError(t, os.WriteFile(path, []byte("name,lat,lon\nA,1.0,2.0\n,3.0,4.0\n"), 0o600))
		shelters, err := Load(path)
		require.NoError(t, err)
		assert.Len(t, shelters, 1)
	})
}

func TestNaverMapURL(t *testing.T) {
	u := NaverMapURL(Shelter{Name: "City Hall Shelter", Lat: 37.5663, Lon: 126.9779}, "saferelay")
	assert.Equal(t, "nmap://navigation?dlat=37.566300&dlng=126.977900&dname=City+Hall+Shelter&appname=saferelay", u)
}

func TestNavigatorNearest(t *testing.T) {
	nav, err := NewNavigator(writeCSV(t), "saferelay", types.NopLogger{})
	require.NoError(t, err)

	t.Run("picks the closest shelter", func(t *testing.T) {
		info, err := nav.Nearest(37.5665, 126.9780)
		require.NoError(t, err)
		assert.Equal(t, "City Hall Shelter", info.Name)
		assert.Less(t, info.DistanceKm, 0.1)
		assert.Contains(t, info.MapURL, "nmap://navigation?")
	})

	t.Run("from busan", func(t *testing.T) {
		info, err := nav.Nearest(35.1796, 129.0756)
		require.NoError(t, err)
		assert.Equal(t, "Busan Station Shelter", info.Name)
	})
}

func TestNewNavigatorEmptyDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,lat,lon\n"), 0o600))
	_, err := NewNavigator(path, "saferelay", types.NopLogger{})
	var aerr *types.AppError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, types.ErrCodeShelterUnavailable, aerr.Code)
}

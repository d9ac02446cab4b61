package arsa

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/iti/evt/vrtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTraceManagerWriteToFile(t *testing.T) {
	dir := t.TempDir()
	tm := CreateTraceManager("trace", true)
	require.NoError(t, tm.AddName(1, "train0", "sample"))
	assert.Error(t, tm.AddName(1, "train1", "sample"))

	AddIterTrace(tm, 1, &IterTrace{Iteration: 0, Strategy: "lsq", Error: 0.5, Accepted: true, Theta: []float64{0.7}, Rho: []float64{0.6, 0.8}})
	AddReplayTrace(tm, vrtime.SecondsToTime(2.5), 1, &ReplayTrace{Op: "train", Sample: "train0"})
	assert.Equal(t, 2, tm.Len(1))
	assert.Equal(t, 0, tm.Len(2))

	jsonFile := filepath.Join(dir, "trace.json")
	require.NoError(t, tm.WriteToFile(jsonFile))
	bytes, err := os.ReadFile(jsonFile)
	require.NoError(t, err)
	fromJSON := CreateTraceManager("", false)
	require.NoError(t, json.Unmarshal(bytes, fromJSON))
	assert.Equal(t, "trace", fromJSON.ExpName)
	require.Len(t, fromJSON.Traces[1], 2)
	assert.Equal(t, "estimator", fromJSON.Traces[1][0].TraceType)
	assert.Equal(t, "replay", fromJSON.Traces[1][1].TraceType)
	assert.Equal(t, "2.5", fromJSON.Traces[1][1].TraceTime)

	rtr := ReplayTrace{}
	require.NoError(t, yaml.Unmarshal([]byte(fromJSON.Traces[1][1].TraceStr), &rtr))
	assert.Equal(t, 2.5, rtr.Time)
	assert.Equal(t, "train0", rtr.Sample)

	yamlFile := filepath.Join(dir, "trace.yaml")
	require.NoError(t, tm.WriteToFile(yamlFile))
	bytes, err = os.ReadFile(yamlFile)
	require.NoError(t, err)
	fromYAML := CreateTraceManager("", false)
	require.NoError(t, yaml.Unmarshal(bytes, fromYAML))
	assert.Equal(t, NameType{Name: "train0", Type: "sample"}, fromYAML.NameByID[1])

	err = tm.WriteToFile(filepath.Join(dir, "trace.txt"))
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestTraceManagerInactive(t *testing.T) {
	dir := t.TempDir()
	var nilTM *TraceManager
	assert.False(t, nilTM.Active())
	AddIterTrace(nilTM, 0, &IterTrace{})
	assert.Equal(t, 0, nilTM.Len(0))

	tm := CreateTraceManager("off", false)
	AddIterTrace(tm, 0, &IterTrace{})
	assert.NoError(t, tm.AddName(0, "x", "y"))
	assert.Empty(t, tm.Traces)

	filename := filepath.Join(dir, "off.json")
	require.NoError(t, tm.WriteToFile(filename))
	_, err := os.Stat(filename)
	assert.True(t, os.IsNotExist(err))
}

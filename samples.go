package arsa

// samples.go reads and writes the persisted form of training and test samples: a flow
// list in json or yaml, and a matching list of whitespace-separated observed rates

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// A Sample is one measured run: the flows that were active and the equilibrium rate
// each of them reached, in the same order
type Sample struct {
	Name  string    `json:"name" yaml:"name"`
	Flows []Flow    `json:"flows" yaml:"flows"`
	Rates []float64 `json:"rates" yaml:"rates,flow"`

	// Query is the number of leading flows whose prediction is evaluated; 0 means all
	Query int `json:"query,omitempty" yaml:"query,omitempty"`
}

// QueryLen returns how many leading flows of the sample are evaluated
func (smpl *Sample) QueryLen() int {
	if smpl.Query <= 0 || smpl.Query > len(smpl.Flows) {
		return len(smpl.Flows)
	}
	return smpl.Query
}

// DefaultRateSuffixes are the rate file suffixes looked for next to a flow file, in order.
// ".nsout" rates are used as written, ".mnout" rates are in bit/s and scaled to Mbit/s.
var DefaultRateSuffixes = []string{".nsout", "-final.nsout", ".mnout"}

const mnoutScale = 1e6

// flowExts are the extensions a flow file may carry
var flowExts = []string{".json", ".JSON", ".yaml", ".YAML", ".yml"}

func isYAMLExt(ext string) bool {
	return ext == ".yaml" || ext == ".YAML" || ext == ".yml"
}

// WriteFlows stores a flow list to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func WriteFlows(filename string, flows []Flow) error {
	bytes, merr := marshalByExt(filename, flows)
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadFlows deserializes a byte slice holding a flow list.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  A deserialized representation is returned, or an error if one is generated
// from a file read or the deserialization.
func ReadFlows(filename string, useYAML bool, dict []byte) ([]Flow, error) {
	var err error

	// if the dict slice of bytes is empty we get them from the file whose name is an argument
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	flows := []Flow{}
	if useYAML {
		err = yaml.Unmarshal(dict, &flows)
	} else {
		err = json.Unmarshal(dict, &flows)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: flows in %s: %v", ErrBadFormat, filename, err)
	}
	return flows, nil
}

// ParseRates reads whitespace-separated floats.  scale divides every value.
func ParseRates(text string, scale float64) ([]float64, error) {
	fields := strings.Fields(text)
	rates := make([]float64, 0, len(fields))
	for idx, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: rate %d %q", ErrBadFormat, idx, field)
		}
		rates = append(rates, v/scale)
	}
	return rates, nil
}

// rateScale is the divisor applied to the rates of a file with the given name
func rateScale(filename string) float64 {
	if strings.HasSuffix(filename, ".mnout") {
		return mnoutScale
	}
	return 1.0
}

// ReadRates reads the observed rates stored in filename
func ReadRates(filename string) ([]float64, error) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	rates, err := ParseRates(string(bytes), rateScale(filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return rates, nil
}

// WriteRates stores rates one per line, in the units ReadRates expects for filename
func WriteRates(filename string, rates []float64) error {
	scale := rateScale(filename)
	var sb strings.Builder
	for _, r := range rates {
		sb.WriteString(strconv.FormatFloat(r*scale, 'g', -1, 64))
		sb.WriteString("\n")
	}
	return os.WriteFile(filename, []byte(sb.String()), 0o644)
}

// WriteSample stores smpl as dir/<name>.json (or the flow extension given) plus
// dir/<name><rateSuffix>
func WriteSample(dir string, smpl Sample, flowExt, rateSuffix string) error {
	if flowExt == "" {
		flowExt = ".json"
	}
	if rateSuffix == "" {
		rateSuffix = DefaultRateSuffixes[0]
	}
	if err := WriteFlows(filepath.Join(dir, smpl.Name+flowExt), smpl.Flows); err != nil {
		return err
	}
	if smpl.Rates == nil {
		return nil
	}
	return WriteRates(filepath.Join(dir, smpl.Name+rateSuffix), smpl.Rates)
}

// LoadSample reads the sample called name from dir.  The flow file is name plus one of the
// flow extensions, the rates file name plus the first suffix found.  A test sample
// "test<id>" picks up the length of "query<id>.json" as its query length when present.
// found is false when there is no rates file.
func LoadSample(dir, name string, suffixes []string) (smpl Sample, found bool, err error) {
	if suffixes == nil {
		suffixes = DefaultRateSuffixes
	}
	smpl.Name = name

	flowFile := ""
	for _, ext := range flowExts {
		candidate := filepath.Join(dir, name+ext)
		if _, serr := os.Stat(candidate); serr == nil {
			flowFile = candidate
			break
		}
	}
	if flowFile == "" {
		return smpl, false, fmt.Errorf("no flow file for sample %s in %s", name, dir)
	}

	rateFile := ""
	for _, suffix := range suffixes {
		candidate := filepath.Join(dir, name+suffix)
		if _, serr := os.Stat(candidate); serr == nil {
			rateFile = candidate
			break
		}
	}
	if rateFile == "" {
		return smpl, false, nil
	}

	smpl.Flows, err = ReadFlows(flowFile, isYAMLExt(path.Ext(flowFile)), nil)
	if err != nil {
		return smpl, false, err
	}
	smpl.Rates, err = ReadRates(rateFile)
	if err != nil {
		return smpl, false, err
	}
	if len(smpl.Rates) != len(smpl.Flows) {
		return smpl, false, fmt.Errorf("%w: sample %s has %d flows and %d rates", ErrDimension, name, len(smpl.Flows), len(smpl.Rates))
	}

	if strings.HasPrefix(name, "test") {
		queryFile := filepath.Join(dir, "query"+strings.TrimPrefix(name, "test")+".json")
		if _, serr := os.Stat(queryFile); serr == nil {
			query, qerr := ReadFlows(queryFile, false, nil)
			if qerr != nil {
				return smpl, false, qerr
			}
			smpl.Query = len(query)
		}
	}
	return smpl, true, nil
}

// SampleNames lists, in sorted order, the names of the flow files in dir that start with prefix
func SampleNames(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		ext := path.Ext(entry.Name())
		if !slices.Contains(flowExts, ext) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// LoadSampleDir reads every sample of dir whose name starts with prefix, in sorted order.
// Flow files with no rates file next to them are skipped.
func LoadSampleDir(dir, prefix string, suffixes []string) ([]Sample, error) {
	names, err := SampleNames(dir, prefix)
	if err != nil {
		return nil, err
	}
	samples := []Sample{}
	for _, name := range names {
		smpl, found, err := LoadSample(dir, name, suffixes)
		if err != nil {
			return nil, err
		}
		if !found {
			log.WithField("sample", name).Debug("no rates file, skipping sample")
			continue
		}
		samples = append(samples, smpl)
	}
	return samples, nil
}

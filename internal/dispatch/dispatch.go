// Package dispatch places the weight and activation buffers of a generated
// network C source in internal or external memory.
//
// Weights are packed greedily, largest first, into the free internal
// flash; whatever does not fit goes to external flash. The placement is
// applied by annotating every weight array declaration of
// network_data_params.c with a linker section attribute.
package dispatch

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// Region is the macro naming a memory section.
type Region string

const (
	InternalFlash Region = "AI_INTERNAL_FLASH"
	ExternalFlash Region = "AI_EXTERNAL_FLASH"
	ExternalRAM   Region = "AI_EXTERNAL_RAM"
)

var sectionOf = map[Region]string{
	InternalFlash: ".InternalFlashSection",
	ExternalFlash: ".ExternalFlashSection",
	ExternalRAM:   ".ExternalRAMSection",
}

// Define returns the #define line of a region macro.
func (r Region) Define() string {
	return fmt.Sprintf("#define %s __attribute__((section(\"%s\")))", r, sectionOf[r])
}

// WeightsFile is the generated source holding the weight arrays.
const WeightsFile = "network_data_params.c"

// GraphFiles are the graph descriptions listing the weight buffers, by
// preference.
var GraphFiles = []string{"network_c_graph.json", "network_c_info.json"}

// Buffer is one weight array of the generated network.
type Buffer struct {
	Name string
	Size int64
}

// Assignment is the region chosen for a buffer.
type Assignment struct {
	Buffer
	Region Region
}

// Assign packs buffers into freeInternal bytes of internal flash, largest
// first. A buffer goes internal only if it is strictly smaller than the
// internal space still free.
func Assign(buffers []Buffer, freeInternal int64) []Assignment {
	sorted := append([]Buffer(nil), buffers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

	out := make([]Assignment, 0, len(sorted))
	free := freeInternal
	for _, b := range sorted {
		a := Assignment{Buffer: b, Region: ExternalFlash}
		if b.Size < free {
			a.Region = InternalFlash
			free -= b.Size
		}
		out = append(out, a)
	}
	return out
}

// ParseBuffers reads the weight buffers of a network C graph description.
// Entries are looked up under "weights" (object or array) with a name in
// c_name, buffer_c_name or name, and a byte count in size, buffer_size or
// bytes.
func ParseBuffers(data []byte) ([]Buffer, error) {
	if !gjson.ValidBytes(data) {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat, "network graph is not valid JSON")
	}
	weights := gjson.GetBytes(data, "weights")
	if !weights.Exists() {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat, "network graph has no weights entry")
	}

	var out []Buffer
	var bad error
	weights.ForEach(func(key, v gjson.Result) bool {
		name := pick(v, "c_name", "buffer_c_name", "name").String()
		if name == "" && key.Type == gjson.String {
			name = key.String()
		}
		size := pick(v, "size", "buffer_size", "bytes")
		if name == "" || !size.Exists() {
			bad = errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
				fmt.Sprintf("weight entry %s has no name or size", v.Raw))
			return false
		}
		out = append(out, Buffer{Name: name, Size: size.Int()})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return out, nil
}

func pick(v gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// ReadBuffers reads the first graph description present in dir.
func ReadBuffers(dir string) ([]Buffer, error) {
	for _, name := range GraphFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read network graph: %w", err)
		}
		return ParseBuffers(data)
	}
	return nil, errkind.Path(errkind.NotFound, "network graph", strings.Join(GraphFiles, " or ")+" in "+dir)
}

var weightDecl = regexp.MustCompile(`\bconst\s+ai_u\d+\s+(\w+)\s*\[\s*\w+\s*\]\s*[;=]`)

// Annotate rewrites a weights C source. The region defines are inserted
// after the first #include, and every weight array declaration gets its
// region macro on the line above. Arrays missing from regions get def.
// Defines and declarations that are already annotated are kept as is.
func Annotate(src []byte, regions map[string]Region, def Region, defines ...Region) []byte {
	return annotate(src, weightDecl, func(name string) Region {
		if r, ok := regions[name]; ok {
			return r
		}
		return def
	}, defines)
}

func annotate(src []byte, decl *regexp.Regexp, regionFor func(name string) Region, defines []Region) []byte {
	var out bytes.Buffer
	var missing []Region
	for _, r := range defines {
		if !bytes.Contains(src, []byte("#define "+string(r)+" ")) {
			missing = append(missing, r)
		}
	}
	defined := len(missing) == 0

	sc := bufio.NewScanner(bytes.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	prev := ""
	included := false
	for sc.Scan() {
		line := sc.Text()
		if m := decl.FindStringSubmatch(line); m != nil && !isRegionLine(prev) {
			out.WriteString(string(regionFor(m[1])))
			out.WriteByte('\n')
		}
		out.WriteString(line)
		out.WriteByte('\n')

		if !included && !defined && strings.HasPrefix(strings.TrimSpace(line), "#include") {
			included = true
			out.WriteByte('\n')
			writeDefines(&out, missing)
		}
		prev = line
	}
	if !included && !defined {
		var head bytes.Buffer
		writeDefines(&head, missing)
		head.WriteByte('\n')
		head.Write(out.Bytes())
		return head.Bytes()
	}
	return out.Bytes()
}

func writeDefines(b *bytes.Buffer, defines []Region) {
	for _, r := range defines {
		b.WriteString(r.Define())
		b.WriteByte('\n')
	}
}

func isRegionLine(line string) bool {
	line = strings.TrimSpace(line)
	for r := range sectionOf {
		if line == string(r) {
			return true
		}
	}
	return false
}

// WriteAtomic replaces path with data through a temporary file.
func WriteAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

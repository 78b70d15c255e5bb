package footprint

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed boards.toml
var defaultCatalog []byte

// Board is the memory descriptor of a target board, in bytes.
type Board struct {
	Name          string
	InternalFlash int64
	ExternalFlash int64
	InternalRAM   int64
	ExternalRAM   int64
	AppFlash      int64
}

type boardEntry struct {
	InternalFlash string `toml:"internal_flash"`
	ExternalFlash string `toml:"external_flash"`
	InternalRAM   string `toml:"internal_ram"`
	ExternalRAM   string `toml:"external_ram"`
	AppFlash      string `toml:"app_flash"`
}

type catalogFile struct {
	Boards map[string]boardEntry `toml:"boards"`
}

// Catalog maps board names to descriptors.
type Catalog struct {
	boards map[string]Board
}

// LoadCatalog reads the built-in board catalog and, when override is set,
// merges the boards of that TOML file over it.
func LoadCatalog(override string) (*Catalog, error) {
	c := &Catalog{boards: map[string]Board{}}
	if err := c.merge(bytes.NewReader(defaultCatalog), "built-in catalog"); err != nil {
		return nil, err
	}
	if override == "" {
		return c, nil
	}
	data, err := os.ReadFile(override)
	if err != nil {
		return nil, fmt.Errorf("failed to read board catalog: %w", err)
	}
	if err := c.merge(bytes.NewReader(data), override); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) merge(r *bytes.Reader, name string) error {
	var f catalogFile
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("invalid board catalog %s: %w", name, err)
	}
	for boardName, e := range f.Boards {
		b := Board{Name: boardName}
		for _, field := range []struct {
			dst   *int64
			token string
			key   string
		}{
			{&b.InternalFlash, e.InternalFlash, "internal_flash"},
			{&b.ExternalFlash, e.ExternalFlash, "external_flash"},
			{&b.InternalRAM, e.InternalRAM, "internal_ram"},
			{&b.ExternalRAM, e.ExternalRAM, "external_ram"},
			{&b.AppFlash, e.AppFlash, "app_flash"},
		} {
			v, err := ParseSize(field.token)
			if err != nil {
				return fmt.Errorf("board %s: %s: %w", boardName, field.key, err)
			}
			*field.dst = v
		}
		c.boards[strings.ToUpper(boardName)] = b
	}
	return nil
}

// Board looks a board up by name, ignoring case.
func (c *Catalog) Board(name string) (Board, bool) {
	b, ok := c.boards[strings.ToUpper(name)]
	return b, ok
}

// Names lists the catalog's boards, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.boards))
	for _, b := range c.boards {
		out = append(out, b.Name)
	}
	sort.Strings(out)
	return out
}

var digitRun = regexp.MustCompile(`\d+`)

// ParseSize converts a size token such as "2048KB" to bytes. Only the digit
// run is read and it is always multiplied by 1000, whatever the unit.
// An empty token is zero.
func ParseSize(token string) (int64, error) {
	if strings.TrimSpace(token) == "" {
		return 0, nil
	}
	digits := digitRun.FindString(token)
	if digits == "" {
		return 0, fmt.Errorf("size %q has no digits", token)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", token, err)
	}
	return n * 1000, nil
}

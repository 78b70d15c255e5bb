package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// ProjectFile describes the board C project for the toolchain wrapper.
const ProjectFile = "stmaic_c_project.conf"

// Project is a board C project.
type Project struct {
	Root           string   // deployment.c_project_path
	Dir            string   // directory holding the IDE project
	Name           string   // IDE project name
	Configurations []string // build configurations, first is default
	ELF            string   // firmware image, relative to Dir; optional
}

// ReadProject loads root/stmaic_c_project.conf.
func ReadProject(root string) (*Project, error) {
	path := filepath.Join(root, ProjectFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Path(errkind.NotFound, "deployment.c_project_path", path)
	}
	if !gjson.ValidBytes(data) {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat, path+" is not valid JSON")
	}
	doc := gjson.ParseBytes(data)

	p := &Project{Root: root, Dir: root, ELF: doc.Get("elf").String()}
	if dir := doc.Get("project").String(); dir != "" {
		p.Dir = filepath.Join(root, filepath.FromSlash(dir))
	}
	p.Name = doc.Get("project_name").String()
	if p.Name == "" {
		p.Name = doc.Get("name").String()
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%s: project_name missing", path)
	}
	for _, c := range doc.Get("configurations").Array() {
		p.Configurations = append(p.Configurations, c.String())
	}
	if len(p.Configurations) == 0 {
		p.Configurations = []string{"Release"}
	}
	return p, nil
}

// Configuration returns want if set, else the default configuration.
func (p *Project) Configuration(want string) string {
	if want != "" {
		return want
	}
	return p.Configurations[0]
}

// Firmware returns the path of the built image for conf.
func (p *Project) Firmware(conf string) string {
	if p.ELF != "" {
		return filepath.Join(p.Dir, filepath.FromSlash(p.ELF))
	}
	return filepath.Join(p.Dir, conf, p.Name+".elf")
}

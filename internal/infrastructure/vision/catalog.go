package vision

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/garyjia/erp-autoentry/internal/application/port"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
)

// DefaultStateThreshold applies to states that do not set their own
const DefaultStateThreshold = 0.85

// CatalogFile is the YAML layout of templates.yaml
type CatalogFile struct {
	States   []StateEntry    `yaml:"states"`
	Locators []TemplateEntry `yaml:"locators"`
}

// StateEntry lists the reference images of one recognisable screen state
type StateEntry struct {
	State      screen.State    `yaml:"state"`
	Threshold  float64         `yaml:"threshold"`
	References []TemplateEntry `yaml:"references"`
}

// TemplateEntry is one image file. Region is [x0, y0, x1, y1] in screen
// coordinates; omitted means the whole screen.
type TemplateEntry struct {
	Name      string  `yaml:"name"`
	File      string  `yaml:"file"`
	Region    []int   `yaml:"region"`
	Threshold float64 `yaml:"threshold"`
}

// Catalog implements port.TemplateCatalog over decoded reference images
type Catalog struct {
	states   []port.StateTemplates
	locators map[string]port.ReferenceTemplate
}

// States returns the recognisable states in file order
func (c *Catalog) States() []port.StateTemplates {
	return c.states
}

// Locator returns a named locator template
func (c *Catalog) Locator(name string) (port.ReferenceTemplate, bool) {
	ref, ok := c.locators[name]
	return ref, ok
}

// Loaded counts references whose image decoded
func (c *Catalog) Loaded() int {
	n := 0
	for _, st := range c.states {
		for _, ref := range st.References {
			if ref.Image != nil {
				n++
			}
		}
	}
	return n
}

// LoadCatalog reads a catalog file. Image paths are relative to the catalog's
// directory. Images that fail to load are kept with a nil Image and a warning
// so the remaining references of the state still count.
func LoadCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}

	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	if err := file.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	c := &Catalog{locators: make(map[string]port.ReferenceTemplate, len(file.Locators))}

	for _, entry := range file.States {
		threshold := entry.Threshold
		if threshold == 0 {
			threshold = DefaultStateThreshold
		}
		st := port.StateTemplates{State: entry.State, Threshold: threshold}
		for i, ref := range entry.References {
			name := ref.Name
			if name == "" {
				name = fmt.Sprintf("%s#%d", entry.State, i)
			}
			st.References = append(st.References, loadReference(dir, name, ref, logger))
		}
		c.states = append(c.states, st)
	}

	for _, ref := range file.Locators {
		c.locators[ref.Name] = loadReference(dir, ref.Name, ref, logger)
	}

	logger.Info("Template catalog loaded",
		zap.String("path", path),
		zap.Int("states", len(c.states)),
		zap.Int("locators", len(c.locators)),
		zap.Int("references_loaded", c.Loaded()))
	return c, nil
}

func loadReference(dir, name string, entry TemplateEntry, logger *zap.Logger) port.ReferenceTemplate {
	path := entry.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	ref := port.ReferenceTemplate{
		Name:      name,
		Path:      path,
		Threshold: entry.Threshold,
	}
	if len(entry.Region) == 4 {
		ref.Region = image.Rect(entry.Region[0], entry.Region[1], entry.Region[2], entry.Region[3])
	}

	img, err := decodeImage(path)
	if err != nil {
		logger.Warn("Reference template not loaded", zap.String("name", name), zap.String("path", path), zap.Error(err))
		return ref
	}
	ref.Image = img
	return ref
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Validate checks the catalog structure
func (f *CatalogFile) Validate() error {
	var errs []error
	seen := make(map[screen.State]bool)
	for i, st := range f.States {
		switch {
		case st.State == "":
			errs = append(errs, fmt.Errorf("states[%d]: state is required", i))
		case st.State.IsSentinel():
			errs = append(errs, fmt.Errorf("states[%d]: %s is reserved", i, st.State))
		case seen[st.State]:
			errs = append(errs, fmt.Errorf("states[%d]: duplicate state %s", i, st.State))
		}
		seen[st.State] = true
		if st.Threshold < 0 || st.Threshold > 1 {
			errs = append(errs, fmt.Errorf("states[%d]: threshold %v outside [0,1]", i, st.Threshold))
		}
		if len(st.References) == 0 {
			errs = append(errs, fmt.Errorf("states[%d]: no references", i))
		}
		for j, ref := range st.References {
			errs = append(errs, ref.validate(fmt.Sprintf("states[%d].references[%d]", i, j)))
		}
	}
	for i, ref := range f.Locators {
		if ref.Name == "" {
			errs = append(errs, fmt.Errorf("locators[%d]: name is required", i))
		}
		errs = append(errs, ref.validate(fmt.Sprintf("locators[%d]", i)))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid template catalog: %w", err)
	}
	return nil
}

func (e TemplateEntry) validate(where string) error {
	if e.File == "" {
		return fmt.Errorf("%s: file is required", where)
	}
	if e.Region != nil && len(e.Region) != 4 {
		return fmt.Errorf("%s: region needs 4 values", where)
	}
	if e.Threshold < 0 || e.Threshold > 1 {
		return fmt.Errorf("%s: threshold %v outside [0,1]", where, e.Threshold)
	}
	return nil
}

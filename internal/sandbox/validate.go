package sandbox

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"simgate/internal/domain"
)

const manifestName = "modelDescription.xml"

// Limits bound what an artifact may contain.
type Limits struct {
	MaxBytes          int64
	MaxExtractedBytes int64
	MaxEntries        int
	AllowedPlatforms  []string
}

// Manifest is what validation learned about an archive.
type Manifest struct {
	SHA256            string
	Size              int64
	Entries           int
	UncompressedBytes int64
	Platforms         []string
	HasSources        bool
	ModelName         string
	Description       string
	FMIVersion        string
	GUID              string
	Variables         []Variable
}

// Variable is one entry of the model's ModelVariables list.
type Variable struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Causality    string `json:"causality"`
	Variability  string `json:"variability"`
	DeclaredType string `json:"declared_type,omitempty"`
	Unit         string `json:"unit,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Validator checks archives before anything touches the filesystem.
type Validator struct {
	limits  Limits
	allowed map[string]bool
}

func NewValidator(limits Limits) *Validator {
	allowed := make(map[string]bool, len(limits.AllowedPlatforms))
	for _, p := range limits.AllowedPlatforms {
		allowed[strings.TrimSpace(p)] = true
	}
	return &Validator{limits: limits, allowed: allowed}
}

func invalid(format string, args ...any) error {
	return domain.Errorf(domain.KindArtifactInvalid, format, args...)
}

var drivePrefix = regexp.MustCompile(`^[A-Za-z]:`)

// checkEntryName rejects names that would resolve outside the extraction
// root: parent components, absolute paths, drive letters and UNC prefixes.
func checkEntryName(name string) error {
	if name == "" {
		return invalid("archive contains an entry with an empty name")
	}
	if strings.ContainsRune(name, 0) {
		return invalid("archive entry %q contains a NUL byte", name)
	}
	norm := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(norm, "/") || drivePrefix.MatchString(norm) {
		return invalid("archive entry %q uses an absolute path", name)
	}
	for _, part := range strings.Split(norm, "/") {
		if part == ".." {
			return invalid("archive entry %q escapes the extraction root", name)
		}
	}
	return nil
}

// Validate inspects content without extracting it.
func (v *Validator) Validate(content []byte) (Manifest, error) {
	size := int64(len(content))
	if v.limits.MaxBytes > 0 && size > v.limits.MaxBytes {
		return Manifest{}, invalid("artifact is %s; limit is %s", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(v.limits.MaxBytes)))
	}
	zr, err := zip.NewReader(bytes.NewReader(content), size)
	if errors.Is(err, zip.ErrInsecurePath) {
		return Manifest{}, invalid("archive contains an entry that escapes the extraction root")
	}
	if err != nil {
		return Manifest{}, invalid("artifact is not a valid zip archive")
	}
	if v.limits.MaxEntries > 0 && len(zr.File) > v.limits.MaxEntries {
		return Manifest{}, invalid("archive has %d entries; limit is %d", len(zr.File), v.limits.MaxEntries)
	}

	sum := sha256.Sum256(content)
	m := Manifest{SHA256: hex.EncodeToString(sum[:]), Size: size, Entries: len(zr.File)}
	platforms := map[string]bool{}
	var manifestFile *zip.File
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return Manifest{}, err
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return Manifest{}, invalid("archive entry %q is a symbolic link", f.Name)
		}
		m.UncompressedBytes += int64(f.UncompressedSize64)
		if v.limits.MaxExtractedBytes > 0 && m.UncompressedBytes > v.limits.MaxExtractedBytes {
			return Manifest{}, invalid("archive expands beyond %s", humanize.IBytes(uint64(v.limits.MaxExtractedBytes)))
		}
		parts := strings.Split(strings.Trim(strings.ReplaceAll(f.Name, `\`, "/"), "/"), "/")
		switch {
		case len(parts) >= 3 && parts[0] == "binaries" && parts[1] != "":
			platforms[parts[1]] = true
		case len(parts) >= 2 && parts[0] == "sources" && !f.FileInfo().IsDir():
			m.HasSources = true
		case len(parts) == 1 && parts[0] == manifestName:
			manifestFile = f
		}
	}
	for p := range platforms {
		m.Platforms = append(m.Platforms, p)
	}
	sort.Strings(m.Platforms)

	if !m.HasSources && !v.platformAllowed(m.Platforms) {
		if len(m.Platforms) == 0 {
			return Manifest{}, invalid("artifact has no binaries for an allowed platform and embeds no sources")
		}
		return Manifest{}, invalid("artifact binaries target %s; allowed: %s", strings.Join(m.Platforms, ", "), strings.Join(v.limits.AllowedPlatforms, ", "))
	}
	if manifestFile != nil {
		if err := readManifest(manifestFile, &m); err != nil {
			return Manifest{}, err
		}
	}
	return m, nil
}

func (v *Validator) platformAllowed(platforms []string) bool {
	for _, p := range platforms {
		if v.allowed[p] {
			return true
		}
	}
	return false
}

type modelDescription struct {
	FMIVersion  string `xml:"fmiVersion,attr"`
	ModelName   string `xml:"modelName,attr"`
	Description string `xml:"description,attr"`
	GUID        string `xml:"guid,attr"`
	Token       string `xml:"instantiationToken,attr"`
	Variables   struct {
		Items []xmlVariable `xml:",any"`
	} `xml:"ModelVariables"`
}

// xmlVariable covers both layouts: FMI 2 wraps the type in a child of
// <ScalarVariable>, FMI 3 names the element after the type.
type xmlVariable struct {
	XMLName      xml.Name
	Name         string    `xml:"name,attr"`
	Causality    string    `xml:"causality,attr"`
	Variability  string    `xml:"variability,attr"`
	DeclaredType string    `xml:"declaredType,attr"`
	Unit         string    `xml:"unit,attr"`
	Description  string    `xml:"description,attr"`
	Children     []xmlType `xml:",any"`
}

type xmlType struct {
	XMLName      xml.Name
	DeclaredType string `xml:"declaredType,attr"`
	Unit         string `xml:"unit,attr"`
}

func (x xmlVariable) variable() Variable {
	v := Variable{
		Name:         x.Name,
		Type:         x.XMLName.Local,
		Causality:    x.Causality,
		Variability:  x.Variability,
		DeclaredType: x.DeclaredType,
		Unit:         x.Unit,
		Description:  x.Description,
	}
	if x.XMLName.Local == "ScalarVariable" {
		v.Type = ""
		if len(x.Children) > 0 {
			c := x.Children[0]
			v.Type = c.XMLName.Local
			v.DeclaredType = c.DeclaredType
			v.Unit = c.Unit
		}
	}
	if v.Causality == "" {
		v.Causality = "local"
	}
	if v.Variability == "" {
		v.Variability = "continuous"
		if v.Type != "Real" && !strings.HasPrefix(v.Type, "Float") {
			v.Variability = "discrete"
		}
	}
	return v
}

const maxManifestBytes = 8 << 20

func readManifest(f *zip.File, m *Manifest) error {
	rc, err := f.Open()
	if err != nil {
		return invalid("cannot open %s", manifestName)
	}
	defer rc.Close()
	var md modelDescription
	if err := xml.NewDecoder(io.LimitReader(rc, maxManifestBytes)).Decode(&md); err != nil {
		return invalid("%s is not valid XML: %v", manifestName, err)
	}
	m.FMIVersion = md.FMIVersion
	m.ModelName = md.ModelName
	m.Description = md.Description
	m.GUID = md.GUID
	if m.GUID == "" {
		m.GUID = md.Token
	}
	if m.ModelName == "" {
		return invalid("%s has no modelName", manifestName)
	}
	m.Variables = make([]Variable, 0, len(md.Variables.Items))
	for _, x := range md.Variables.Items {
		if x.Name == "" {
			continue
		}
		m.Variables = append(m.Variables, x.variable())
	}
	return nil
}

// String summarises the manifest for logs and the CLI.
func (m Manifest) String() string {
	return fmt.Sprintf("%s %s (%d entries, %s expanded)", m.ModelName, m.SHA256[:12], m.Entries, humanize.IBytes(uint64(m.UncompressedBytes)))
}

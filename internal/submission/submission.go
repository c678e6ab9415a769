package submission

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrInvalidKey is returned for object keys that do not follow
// <flagship>/<submission>/<filename>.
var ErrInvalidKey = errors.New("object key is not <flagship>/<submission>/<filename>")

// Unknown is the sentinel returned for flagship codes outside the closed set.
const Unknown = "UNKNOWN"

// Key is a parsed object key.
type Key struct {
	Flagship   string
	Submission string
	Filename   string
}

// ParseKey splits an object key into its flagship, submission label and filename.
// Filenames may contain further path separators.
func ParseKey(key string) (Key, error) {
	parts := strings.SplitN(strings.TrimPrefix(key, "/"), "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return Key{Flagship: parts[0], Submission: parts[1], Filename: parts[2]}, nil
}

// Prefix returns "<flagship>/<submission>" without a trailing slash.
func (k Key) Prefix() string {
	return k.Flagship + "/" + k.Submission
}

// String rebuilds the object key.
func (k Key) String() string {
	return k.Prefix() + "/" + k.Filename
}

// PrefixOf returns the submission prefix of an object key.
func PrefixOf(key string) (string, error) {
	k, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return k.Prefix(), nil
}

// NormalizePrefix trims slashes so prefixes compare equal regardless of how
// callers wrote them.
func NormalizePrefix(p string) string {
	return strings.Trim(p, "/")
}

// Join builds an object key under a submission prefix.
func Join(prefix, filename string) string {
	return path.Join(NormalizePrefix(prefix), filename)
}

// Flagships is the closed set of flagship codes accepted by the pipeline.
type Flagships map[string]string

// DefaultFlagships maps code to description.
var DefaultFlagships = Flagships{
	"AC":      "Acute Care Genomics",
	"BM":      "Brain Malformations",
	"Cardiac": "Cardiovascular Genetic Disorders",
	"CHW":     "Chronic Kidney Disease",
	"EE":      "Epileptic Encephalopathy",
	"GI":      "Genetic Immunology",
	"HIDDEN":  "Hidden Renal Genetic Disease",
	"ICCON":   "ICCon Cancer",
	"ID":      "Intellectual Disability",
	"KidGen":  "KidGen Renal Genetics",
	"LD":      "Leukodystrophies",
	"MCD":     "Mitochondrial and Complex Disorders",
	"Mito":    "Mitochondrial Disease",
	"NMD":     "Neuromuscular Disorders",
}

// NewFlagships builds a set from a list of codes. An empty list yields the defaults.
func NewFlagships(codes []string) Flagships {
	if len(codes) == 0 {
		return DefaultFlagships
	}
	f := make(Flagships, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if desc, ok := DefaultFlagships[c]; ok {
			f[c] = desc
		} else {
			f[c] = c
		}
	}
	return f
}

// Lookup returns the canonical flagship code, or Unknown.
func (f Flagships) Lookup(code string) string {
	if _, ok := f[code]; ok {
		return code
	}
	for c := range f {
		if strings.EqualFold(c, code) {
			return c
		}
	}
	return Unknown
}

// Codes returns the sorted list of codes.
func (f Flagships) Codes() []string {
	codes := make([]string, 0, len(f))
	for c := range f {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

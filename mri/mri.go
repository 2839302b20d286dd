// Package mri defines Descriptor, the immutable identifier of a remote
// attribute, notification type, or derived transformation.
//
// A descriptor's qualified name has the form
//
//	kind://objectName/path
//
// for example attribute://java.lang:type=Memory/HeapMemoryUsage/used. Paths
// use '/' to address fields inside composite values.
package mri

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Kind int

const (
	Attribute Kind = iota
	Notification
	Transformation
)

const (
	schemeSeparator = "://"
	// PathDelimiter separates the segments of a composite path.
	PathDelimiter = "/"
)

var kindNames = map[Kind]string{
	Attribute:      "attribute",
	Notification:   "notification",
	Transformation: "transformation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown descriptor kind %q", s)
}

// Descriptor identifies one remote value. It is comparable and is used as a map key;
// two descriptors are equal iff kind, object, and path are equal.
type Descriptor struct {
	Kind   Kind
	Object string
	Path   string
}

// New builds a descriptor, canonicalizing the object name.
func New(kind Kind, object, path string) (Descriptor, error) {
	canonical, err := CanonicalObjectName(object)
	if err != nil {
		return Descriptor{}, err
	}
	if path == "" {
		return Descriptor{}, errors.Errorf("empty path for %s descriptor on %s", kind, object)
	}
	return Descriptor{Kind: kind, Object: canonical, Path: path}, nil
}

// MustNew is New for literals known to be valid. Panics otherwise.
func MustNew(kind Kind, object, path string) Descriptor {
	d, err := New(kind, object, path)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse reads a qualified name like "attribute://java.lang:type=Memory/HeapMemoryUsage".
func Parse(qualified string) (Descriptor, error) {
	idx := strings.Index(qualified, schemeSeparator)
	if idx < 0 {
		return Descriptor{}, errors.Errorf("%q is not a qualified descriptor name", qualified)
	}
	kind, err := ParseKind(qualified[:idx])
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "parsing %q", qualified)
	}
	rest := qualified[idx+len(schemeSeparator):]
	slash := indexUnquoted(rest, '/')
	if slash < 0 {
		return Descriptor{}, errors.Errorf("%q has no path", qualified)
	}
	return New(kind, rest[:slash], rest[slash+1:])
}

// MustParse is Parse for literals known to be valid. Panics otherwise.
func MustParse(qualified string) Descriptor {
	d, err := Parse(qualified)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Descriptor) String() string {
	return d.Kind.String() + schemeSeparator + d.Object + PathDelimiter + d.Path
}

// Segments splits the path on the composite delimiter. Transformation paths are
// opaque and come back as a single segment.
func (d Descriptor) Segments() []string {
	if d.Kind == Transformation {
		return []string{d.Path}
	}
	return strings.Split(d.Path, PathDelimiter)
}

// AttributeName is the first path segment: the attribute for attribute
// descriptors and the notification type for notification descriptors.
func (d Descriptor) AttributeName() string {
	return d.Segments()[0]
}

// SubPath is the path below the attribute name, nil when there is none.
func (d Descriptor) SubPath() []string {
	return d.Segments()[1:]
}

// IsComposite reports whether d addresses a field inside a composite value.
func (d Descriptor) IsComposite() bool {
	return len(d.Segments()) > 1
}

// Parent returns d with its last path segment removed.
func (d Descriptor) Parent() (Descriptor, bool) {
	segs := d.Segments()
	if len(segs) < 2 {
		return Descriptor{}, false
	}
	return Descriptor{Kind: d.Kind, Object: d.Object, Path: strings.Join(segs[:len(segs)-1], PathDelimiter)}, true
}

// Parents lists every ancestor of d, nearest first.
func (d Descriptor) Parents() []Descriptor {
	var parents []Descriptor
	for p, ok := d.Parent(); ok; p, ok = p.Parent() {
		parents = append(parents, p)
	}
	return parents
}

// Child appends one path segment.
func (d Descriptor) Child(name string) Descriptor {
	return Descriptor{Kind: d.Kind, Object: d.Object, Path: d.Path + PathDelimiter + name}
}

// IsChild reports whether other is a strict descendant of d.
func (d Descriptor) IsChild(other Descriptor) bool {
	if d.Kind != other.Kind || d.Object != other.Object || d.Kind == Transformation {
		return false
	}
	return strings.HasPrefix(other.Path, d.Path+PathDelimiter)
}

// CanonicalObjectName sorts the key properties of a JMX object name so equal
// names compare equal: "d:type=T,name=N" becomes "d:name=N,type=T".
// Quoted values are kept verbatim, and so is a pattern ("d:*", "d:type=T,*").
func CanonicalObjectName(name string) (string, error) {
	colon := strings.Index(name, ":")
	if colon <= 0 || colon == len(name)-1 {
		return "", errors.Errorf("invalid object name %q", name)
	}
	domain, props := name[:colon], name[colon+1:]
	parts, err := splitProperties(props)
	if err != nil {
		return "", errors.Wrapf(err, "invalid object name %q", name)
	}
	wildcard := false
	keyed := parts[:0]
	for _, p := range parts {
		if p == "*" {
			wildcard = true
			continue
		}
		if !strings.Contains(p, "=") {
			return "", errors.Errorf("invalid key property %q in object name %q", p, name)
		}
		keyed = append(keyed, p)
	}
	sort.Slice(keyed, func(i, j int) bool {
		return propertyKey(keyed[i]) < propertyKey(keyed[j])
	})
	if wildcard {
		keyed = append(keyed, "*")
	}
	return domain + ":" + strings.Join(keyed, ","), nil
}

// Object names may quote values containing '/', so the object ends at the first unquoted slash.
func indexUnquoted(s string, c byte) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && quoted:
			i++
		case s[i] == '"':
			quoted = !quoted
		case s[i] == c && !quoted:
			return i
		}
	}
	return -1
}

// Splits on commas outside quotes.
func splitProperties(props string) ([]string, error) {
	var parts []string
	start, quoted := 0, false
	for i := 0; i < len(props); i++ {
		switch props[i] {
		case '\\':
			if quoted {
				i++
			}
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, props[start:i])
				start = i + 1
			}
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	parts = append(parts, props[start:])
	for _, p := range parts {
		if p == "" {
			return nil, errors.New("empty key property")
		}
	}
	return parts, nil
}

func propertyKey(p string) string {
	return p[:strings.Index(p, "=")]
}

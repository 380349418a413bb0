package resource

import (
	"fmt"
	"strings"
)

// Path is the location-transparent address {context}/{name}@{owner}/{location}/.
// The same path resolves to a different physical instance on each node.
type Path struct {
	Context  string `json:"context"`
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Location string `json:"location"`
}

// ParsePath parses the path grammar. Context and location may contain '/';
// the first segment holding '@' separates them.
func ParsePath(s string) (Path, error) {
	body, ok := strings.CutSuffix(s, "/")
	if !ok || body == "" {
		return Path{}, fmt.Errorf("%w: %q must end with '/'", ErrInvalidPath, s)
	}
	parts := strings.Split(body, "/")
	for _, p := range parts {
		if p == "" {
			return Path{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, s)
		}
	}
	at := -1
	for i, p := range parts {
		if strings.Contains(p, "@") {
			at = i
			break
		}
	}
	if at < 1 || at == len(parts)-1 {
		return Path{}, fmt.Errorf("%w: %q needs {context}/{name}@{owner}/{location}/", ErrInvalidPath, s)
	}
	name, owner, _ := strings.Cut(parts[at], "@")
	if name == "" || owner == "" || strings.Contains(owner, "@") {
		return Path{}, fmt.Errorf("%w: bad name@owner segment %q", ErrInvalidPath, parts[at])
	}
	return Path{
		Context:  strings.Join(parts[:at], "/"),
		Name:     name,
		Owner:    owner,
		Location: strings.Join(parts[at+1:], "/"),
	}, nil
}

func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return p.Context + "/" + p.Name + "@" + p.Owner + "/" + p.Location + "/"
}

func (p Path) Validate() error {
	_, err := ParsePath(p.String())
	return err
}

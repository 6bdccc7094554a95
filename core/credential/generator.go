// Package credential derives login credentials for school accounts.
//
// An email is built from a name base, a school code and a grouping code:
//
//	"Ama Serwaa", "JHS 2", "Edutec" -> serwaaedj2@shule.app
//
// The second name token is preferred so siblings sharing a family name
// (usually written first) still get distinct login ids.
package credential

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"strings"

	"github.com/trezcool/shule/core"
)

var (
	ErrEmptyName   = errors.New("name is required")
	ErrNoLoginBase = errors.New("name has no letters or digits to build a login id from")
)

// GenericGroupingCode is used for groupings that match no known prefix.
const GenericGroupingCode = "g"

// groupingCodes maps grouping prefixes (lowercase, spaces removed) to their short code.
// Longer prefixes come first so "kindergarten" wins over "kg".
var groupingCodes = []struct {
	prefix string
	code   string
}{
	{"kindergarten", "kg"},
	{"juniorhigh", "j"},
	{"seniorhigh", "s"},
	{"nursery", "n"},
	{"primary", "p"},
	{"basic", "bs"},
	{"jhs", "j"},
	{"shs", "s"},
	{"kg", "kg"},
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c Credentials) IsZero() bool { return c.Email == "" && c.Password == "" }

type Generator struct {
	EmailDomain       string
	DefaultSchoolCode string
	SuffixLen         int
	Rand              io.Reader // crypto/rand.Reader when nil
}

func NewGenerator(conf core.CredentialsConfig) *Generator {
	return &Generator{
		EmailDomain:       conf.EmailDomain,
		DefaultSchoolCode: conf.DefaultSchoolCode,
		SuffixLen:         conf.SuffixLen,
	}
}

// Generate returns the deterministic credentials for a person: the password is the email's local part.
func (g *Generator) Generate(name, grouping, schoolName string) (Credentials, error) {
	local, err := g.LocalPart(name, grouping, schoolName)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Email: g.email(local), Password: local}, nil
}

// GenerateWithSuffix returns the same email as Generate with a password made of the
// name base followed by SuffixLen random digits.
func (g *Generator) GenerateWithSuffix(name, grouping, schoolName string) (Credentials, error) {
	local, err := g.LocalPart(name, grouping, schoolName)
	if err != nil {
		return Credentials{}, err
	}
	base, _ := LoginBase(name)
	suffix, err := g.randomDigits()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Email: g.email(local), Password: base + suffix}, nil
}

// LocalPart returns {nameBase}{schoolCode}{groupingCode}.
func (g *Generator) LocalPart(name, grouping, schoolName string) (string, error) {
	base, err := LoginBase(name)
	if err != nil {
		return "", err
	}
	return base + g.SchoolCode(schoolName) + GroupingCode(grouping), nil
}

// SchoolCode returns the first two letters or digits of the school name, lowercased.
func (g *Generator) SchoolCode(schoolName string) string {
	code := alphaNum(schoolName)
	if len(code) < 2 {
		if g.DefaultSchoolCode == "" {
			return "sc"
		}
		return g.DefaultSchoolCode
	}
	return code[:2]
}

func (g *Generator) email(local string) string {
	domain := strings.TrimPrefix(g.EmailDomain, "@")
	if domain == "" {
		domain = "shule.app"
	}
	return local + "@" + domain
}

func (g *Generator) randomDigits() (string, error) {
	n := g.SuffixLen
	if n <= 0 {
		n = 4
	}
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(r, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}

// LoginBase picks the name token used as the base of a login id.
// The second token is used when there is more than one; if it has no usable
// characters, the remaining tokens are tried in order.
func LoginBase(name string) (string, error) {
	tokens := strings.Fields(name)
	if len(tokens) == 0 {
		return "", ErrEmptyName
	}

	order := make([]string, 0, len(tokens))
	if len(tokens) > 1 {
		order = append(order, tokens[1], tokens[0])
		order = append(order, tokens[2:]...)
	} else {
		order = append(order, tokens[0])
	}
	for _, tok := range order {
		if base := alphaNum(tok); base != "" {
			return base, nil
		}
	}
	return "", ErrNoLoginBase
}

// GroupingCode maps a grouping such as "JHS 2" to its short code ("j2").
// An empty grouping yields an empty code.
func GroupingCode(grouping string) string {
	g := strings.ToLower(strings.Join(strings.Fields(grouping), ""))
	if g == "" {
		return ""
	}

	code := GenericGroupingCode
	for _, gc := range groupingCodes {
		if strings.HasPrefix(g, gc.prefix) {
			code = gc.code
			break
		}
	}
	return code + digits(g)
}

// alphaNum lowercases s and keeps only ascii letters and digits.
func alphaNum(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func digits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

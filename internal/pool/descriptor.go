package pool

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/microsoft/go-mssqldb/azuread"
)

// AuthMode selects how a connection authenticates.
type AuthMode string

const (
	AuthSQL             AuthMode = "sql"
	AuthWindows         AuthMode = "windows"
	AuthAzureADPassword AuthMode = "azure-ad-password"
	AuthAzureADDefault  AuthMode = "azure-ad-default"
	AuthAzureADMSI      AuthMode = "azure-ad-msi"
)

const (
	sqlServerDriver = "sqlserver"
	defaultPort     = 1433
	defaultDatabase = "master"
	defaultAppName  = "XEWatch"
)

// Descriptor identifies a remote target and its credentials. It is the
// pooling key: two descriptors differing in any field get separate handles.
type Descriptor struct {
	Name                   string   `json:"name"`
	Server                 string   `json:"server"`
	Port                   int      `json:"port"`
	Database               string   `json:"database"`
	AuthMode               AuthMode `json:"auth_mode"`
	User                   string   `json:"user,omitempty"`
	Password               string   `json:"-"`
	Encrypt                bool     `json:"encrypt"`
	TrustServerCertificate bool     `json:"trust_server_certificate"`
	IsManagedCloud         bool     `json:"is_managed_cloud"`
	AppName                string   `json:"app_name,omitempty"`
}

// WithDefaults fills in port, database, auth mode and application name.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Port == 0 {
		d.Port = defaultPort
	}
	if d.Database == "" && !d.IsManagedCloud {
		d.Database = defaultDatabase
	}
	if d.AuthMode == "" {
		d.AuthMode = AuthSQL
	}
	if d.AppName == "" {
		d.AppName = defaultAppName
	}
	return d
}

func (d Descriptor) Validate() error {
	if d.Server == "" {
		return fmt.Errorf("connection %q: server is required", d.Name)
	}
	if d.IsManagedCloud && d.Database == "" {
		return fmt.Errorf("connection %q: database is required for managed cloud targets", d.Name)
	}
	switch d.AuthMode {
	case AuthSQL, AuthAzureADPassword:
		if d.User == "" {
			return fmt.Errorf("connection %q: user is required for %s authentication", d.Name, d.AuthMode)
		}
	case AuthWindows, AuthAzureADDefault, AuthAzureADMSI:
	default:
		return fmt.Errorf("connection %q: unknown auth mode %q", d.Name, d.AuthMode)
	}
	return nil
}

// Key returns a digest of every descriptor field, used as the pool key so
// secrets are not kept in map keys.
func (d Descriptor) Key() string {
	h := sha256.New()
	for _, part := range []string{
		d.Name, d.Server, strconv.Itoa(d.Port), d.Database, string(d.AuthMode),
		d.User, d.Password, strconv.FormatBool(d.Encrypt),
		strconv.FormatBool(d.TrustServerCertificate), strconv.FormatBool(d.IsManagedCloud), d.AppName,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// String is safe to log.
func (d Descriptor) String() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("%s:%d/%s", d.Server, d.Port, d.Database)
}

// DSN returns the driver name and connection string for the descriptor,
// branching on auth mode and platform.
func (d Descriptor) DSN(connectTimeout time.Duration) (string, string, error) {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return "", "", err
	}

	q := url.Values{}
	if d.Database != "" {
		q.Set("database", d.Database)
	}
	q.Set("app name", d.AppName)
	if connectTimeout > 0 {
		q.Set("connection timeout", strconv.Itoa(int(connectTimeout/time.Second)))
	}

	// Managed cloud targets always require an encrypted, verified channel.
	switch {
	case d.IsManagedCloud:
		q.Set("encrypt", "true")
		q.Set("TrustServerCertificate", "false")
	case d.Encrypt:
		q.Set("encrypt", "true")
		q.Set("TrustServerCertificate", strconv.FormatBool(d.TrustServerCertificate))
	default:
		q.Set("encrypt", "disable")
	}

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   fmt.Sprintf("%s:%d", d.Server, d.Port),
	}

	driver := sqlServerDriver
	switch d.AuthMode {
	case AuthSQL:
		u.User = url.UserPassword(d.User, d.Password)
	case AuthWindows:
		// Empty credentials select integrated authentication.
		if d.User != "" {
			u.User = url.UserPassword(d.User, d.Password)
		}
	case AuthAzureADPassword:
		driver = azuread.DriverName
		q.Set("fedauth", azuread.ActiveDirectoryPassword)
		u.User = url.UserPassword(d.User, d.Password)
	case AuthAzureADDefault:
		driver = azuread.DriverName
		q.Set("fedauth", azuread.ActiveDirectoryDefault)
	case AuthAzureADMSI:
		driver = azuread.DriverName
		q.Set("fedauth", azuread.ActiveDirectoryManagedIdentity)
		if d.User != "" {
			u.User = url.User(d.User)
		}
	}

	u.RawQuery = q.Encode()
	return driver, u.String(), nil
}

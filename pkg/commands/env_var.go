// SPDX-License-Identifier: AGPL-3.0-only

package commands

type EnvVarNames struct {
	Address              string
	APIUser              string
	APIKey               string
	AuthToken            string
	GrafanaAddress       string
	GrafanaAPIKey        string
	GrafanaSessionCookie string
	AlertmanagerAddress  string
	TLSCAPath            string
	TLSCertPath          string
	TLSKeyPath           string
}

func NewEnvVarsWithPrefix(prefix string) EnvVarNames {
	const (
		address              = "ADDRESS"
		apiUser              = "API_USER"
		apiKey               = "API_KEY"
		authToken            = "AUTH_TOKEN"
		grafanaAddress       = "GRAFANA_ADDRESS"
		grafanaAPIKey        = "GRAFANA_API_KEY"
		grafanaSessionCookie = "GRAFANA_SESSION_COOKIE"
		alertmanagerAddress  = "ALERTMANAGER_ADDRESS"
		tlsCAPath            = "TLS_CA_PATH"
		tlsCertPath          = "TLS_CERT_PATH"
		tlsKeyPath           = "TLS_KEY_PATH"
	)

	if len(prefix) > 0 && prefix[len(prefix)-1] != '_' {
		prefix = prefix + "_"
	}

	return EnvVarNames{
		Address:              prefix + address,
		APIUser:              prefix + apiUser,
		APIKey:               prefix + apiKey,
		AuthToken:            prefix + authToken,
		GrafanaAddress:       prefix + grafanaAddress,
		GrafanaAPIKey:        prefix + grafanaAPIKey,
		GrafanaSessionCookie: prefix + grafanaSessionCookie,
		AlertmanagerAddress:  prefix + alertmanagerAddress,
		TLSCAPath:            prefix + tlsCAPath,
		TLSCertPath:          prefix + tlsCertPath,
		TLSKeyPath:           prefix + tlsKeyPath,
	}
}

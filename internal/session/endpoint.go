package session

import (
	"fmt"
	"net/url"
	"strconv"
)

// Scheme 本适配层唯一支持的 URI scheme
const Scheme = "srt"

// Endpoint 从输入 URI 解析出的端点描述
type Endpoint struct {
	Host  string
	Port  int
	Path  string
	Query url.Values
}

// ParseEndpoint 解析 srt://host:port/path?query 形式的 URI。
// scheme 必须是 srt，端口必须落在 [1,65535]。
func ParseEndpoint(rawURI string) (Endpoint, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: parse uri: %v", ErrConfiguration, err)
	}
	if u.Scheme != Scheme {
		return Endpoint{}, fmt.Errorf("%w: unexpected scheme %q", ErrConfiguration, u.Scheme)
	}

	portStr := u.Port()
	if portStr == "" {
		return Endpoint{}, fmt.Errorf("%w: port missing in uri", ErrConfiguration)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port >= 65536 {
		return Endpoint{}, fmt.Errorf("%w: invalid port %q", ErrConfiguration, portStr)
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: parse query: %v", ErrConfiguration, err)
	}

	return Endpoint{
		Host:  u.Hostname(),
		Port:  port,
		Path:  u.Path,
		Query: query,
	}, nil
}

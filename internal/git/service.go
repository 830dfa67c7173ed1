package git

import "strings"

// Service is one of the two git services reachable over Smart HTTP.
type Service string

const (
	UploadPack  Service = "git-upload-pack"
	ReceivePack Service = "git-receive-pack"
)

// ParseService accepts the exact service tokens a git client sends in the
// service query parameter. Anything else, including other git programs such as
// git-fetch-pack, yields an *InvalidServiceError.
func ParseService(token string) (Service, error) {
	switch s := Service(token); s {
	case UploadPack, ReceivePack:
		return s, nil
	}
	return "", &InvalidServiceError{Service: token}
}

// Name returns the git subcommand, e.g. "upload-pack".
func (s Service) Name() string {
	return strings.TrimPrefix(string(s), "git-")
}

func (s Service) AdvertisementContentType() string {
	return "application/x-" + string(s) + "-advertisement"
}

func (s Service) ResultContentType() string {
	return "application/x-" + string(s) + "-result"
}

func (s Service) RequestContentType() string {
	return "application/x-" + string(s) + "-request"
}

package webhook

// ZeroSHA is the "after" value GitLab sends when a ref was deleted.
const ZeroSHA = "0000000000000000000000000000000000000000"

// Payload is the subset of a GitLab push event the gateway reads.
type Payload struct {
	ObjectKind   string   `json:"object_kind"`
	Before       string   `json:"before"`
	After        string   `json:"after"`
	Ref          string   `json:"ref"`
	UserUsername string   `json:"user_username"`
	UserEmail    string   `json:"user_email"`
	Project      Project  `json:"project"`
	Commits      []Commit `json:"commits"`
}

// Project identifies the GitLab project behind a delivery.
type Project struct {
	PathWithNamespace string `json:"path_with_namespace"`
	GitSSHURL         string `json:"git_ssh_url"`
	DefaultBranch     string `json:"default_branch"`
}

// Commit carries the head commit of the pushed tag. For an annotated
// tag GitLab reports the tag object as "after" and the tagged commit
// here, which is how the gateway tells annotated from lightweight.
type Commit struct {
	ID     string `json:"id"`
	Author Author `json:"author"`
}

type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

package domain

// Folder is a named backlog grouping scoped to exactly one client. Deleting a
// folder reassigns its tasks to the client's unsorted group, never deletes them.
type Folder struct {
	ID     string `json:"id"`
	Client string `json:"client"`
	Name   string `json:"name"`
	Order  int    `json:"order"`
}

// FolderClients maps folder ids to their owning client, for scope legality
// checks during drag previews.
func FolderClients(folders []Folder) map[string]string {
	m := make(map[string]string, len(folders))
	for _, f := range folders {
		m[f.ID] = f.Client
	}
	return m
}

package matching

// Directory maps an identity to the Profile it declared on its last join.
type Directory struct {
	profiles map[Identity]Profile
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{profiles: make(map[Identity]Profile)}
}

// Put stores or overwrites the profile of id.
func (d *Directory) Put(id Identity, p Profile) {
	d.profiles[id] = p
}

// Get returns the profile of id.
func (d *Directory) Get(id Identity) (Profile, bool) {
	p, ok := d.profiles[id]
	return p, ok
}

// Delete removes the profile of id. Deleting an absent profile is a no-op.
func (d *Directory) Delete(id Identity) {
	delete(d.profiles, id)
}

// Len returns the number of stored profiles.
func (d *Directory) Len() int {
	return len(d.profiles)
}

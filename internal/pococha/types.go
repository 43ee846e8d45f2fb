package pococha

// LivesResource is the response of the followings lives listing.
type LivesResource struct {
	LiveResources []LiveResource `json:"live_resources"`
}

// UserIDs returns the ids of the broadcasting users, in listing order.
func (r *LivesResource) UserIDs() []int {
	if r == nil {
		return nil
	}
	ids := make([]int, 0, len(r.LiveResources))
	for _, lr := range r.LiveResources {
		ids = append(ids, lr.Broadcaster().ID)
	}
	return ids
}

// ByUser returns the first resource broadcast by the given user.
func (r *LivesResource) ByUser(id int) (LiveResource, bool) {
	if r == nil {
		return LiveResource{}, false
	}
	for _, lr := range r.LiveResources {
		if lr.Broadcaster().ID == id {
			return lr, true
		}
	}
	return LiveResource{}, false
}

type LiveResource struct {
	LiveEdge LiveEdge `json:"live_edge"`
	Live     Live     `json:"live"`
	// User is set by newer API versions next to live instead of inside it.
	User User `json:"user"`
}

// Broadcaster returns the user running the live, wherever the API put it.
func (lr LiveResource) Broadcaster() User {
	if lr.Live.User.ID != 0 {
		return lr.Live.User
	}
	return lr.User
}

type Live struct {
	ID                int     `json:"id"`
	ThumbnailImageURL string  `json:"thumbnail_image_url"`
	Title             string  `json:"title"`
	URL               string  `json:"url"`
	Profile           Profile `json:"profile"`
	User              User    `json:"user"`
}

type LiveEdge struct {
	Ivs Ivs `json:"ivs"`
}

type Ivs struct {
	PlaybackURL string `json:"playback_url"`
}

type Profile struct {
	ID  int    `json:"id"`
	Bio string `json:"bio"`
}

type User struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	ProfileImageURL   string `json:"profile_image_url"`
	ThumbnailImageURL string `json:"thumbnail_image_url"`
}

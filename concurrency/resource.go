package concurrency

import "strings"

const resourceSeparator = "/"

// RootResource is the conventional name of the topmost resource.
const RootResource = "database"

// ResourceName identifies a node in the resource tree as a slash-separated
// path from its root, e.g. "database/students/page-4". It is an immutable
// value type; equality and map-key use are value based.
type ResourceName struct {
	path string
}

// NewResourceName returns a root-level resource name.
func NewResourceName(root string) ResourceName {
	return ResourceName{path: root}
}

// Child returns the name of the child resource called name under n.
func (n ResourceName) Child(name string) ResourceName {
	return ResourceName{path: n.path + resourceSeparator + name}
}

// Parent returns the name of n's parent and true, or the zero name and false
// if n is a root.
func (n ResourceName) Parent() (ResourceName, bool) {
	i := strings.LastIndex(n.path, resourceSeparator)
	if i < 0 {
		return ResourceName{}, false
	}
	return ResourceName{path: n.path[:i]}, true
}

// IsDescendantOf reports whether n lies strictly below ancestor in the tree.
func (n ResourceName) IsDescendantOf(ancestor ResourceName) bool {
	return strings.HasPrefix(n.path, ancestor.path+resourceSeparator)
}

// Base returns the last segment of the path.
func (n ResourceName) Base() string {
	i := strings.LastIndex(n.path, resourceSeparator)
	return n.path[i+1:]
}

func (n ResourceName) segments() []string {
	return strings.Split(n.path, resourceSeparator)
}

func (n ResourceName) String() string {
	return n.path
}

package domain

import (
	"time"

	"projecthub/docstore"
)

// Collection names.
const (
	UsersCollection    = "users"
	ProjectsCollection = "project"
	TasksCollection    = "tasks"
)

// Stored field names.
const (
	FieldName         = "name"
	FieldEmail        = "email"
	FieldPhoto        = "profilePicture"
	FieldProjectName  = "projectName"
	FieldDescription  = "projectDescription"
	FieldStartDate    = "startDate"
	FieldEndDate      = "endDate"
	FieldPriority     = "priority"
	FieldCreatorID    = "creatorId"
	FieldMembers      = "assignedMembers"
	FieldCreatedAt    = "createdAt"
	FieldTaskDetails  = "taskDetails"
	FieldDeadline     = "deadline"
	FieldProjectID    = "projectId"
	FieldIsChecked    = "isChecked"
	UnknownMemberName = "Unknown"
)

// User is an account profile. The ID equals the identity provider subject.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Project groups tasks and members around a shared goal.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	Priority        Priority  `json:"priority"`
	CreatorID       string    `json:"creatorId"`
	AssignedMembers []string  `json:"assignedMembers"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Task is a checklist item belonging to one project.
type Task struct {
	ID        string     `json:"id"`
	Details   string     `json:"details"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	ProjectID string     `json:"projectId"`
	Checked   bool       `json:"checked"`
	CreatedAt time.Time  `json:"createdAt"`
}

// AssignedMember is a resolved member profile. It is only ever derived for
// display and never written back.
type AssignedMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// UnknownMember is the placeholder for a member whose profile no longer exists.
func UnknownMember(id string) AssignedMember {
	return AssignedMember{ID: id, Name: UnknownMemberName, Email: UnknownMemberName}
}

// MemberFromUser converts a profile into its display form.
func MemberFromUser(u User) AssignedMember {
	return AssignedMember{ID: u.ID, Name: u.Name, Email: u.Email, PhotoURL: u.PhotoURL}
}

// Fields returns the stored representation of u without its ID.
func (u User) Fields() docstore.Fields {
	f := docstore.Fields{FieldName: u.Name, FieldEmail: u.Email}
	if u.PhotoURL != "" {
		f[FieldPhoto] = u.PhotoURL
	}
	return f
}

// Fields returns the stored representation of p without its ID.
func (p Project) Fields() docstore.Fields {
	members := p.AssignedMembers
	if members == nil {
		members = []string{}
	}
	return docstore.Fields{
		FieldProjectName: p.Name,
		FieldDescription: p.Description,
		FieldStartDate:   p.StartDate.UTC(),
		FieldEndDate:     p.EndDate.UTC(),
		FieldPriority:    string(p.Priority),
		FieldCreatorID:   p.CreatorID,
		FieldMembers:     members,
		FieldCreatedAt:   p.CreatedAt.UTC(),
	}
}

// Fields returns the stored representation of t without its ID.
func (t Task) Fields() docstore.Fields {
	f := docstore.Fields{
		FieldTaskDetails: t.Details,
		FieldProjectID:   t.ProjectID,
		FieldIsChecked:   t.Checked,
		FieldCreatedAt:   t.CreatedAt.UTC(),
	}
	if t.Deadline != nil {
		f[FieldDeadline] = t.Deadline.UTC()
	}
	return f
}

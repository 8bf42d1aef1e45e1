package domain

import (
	"time"

	"projecthub/docstore"
)

// UserFromDocument decodes a users document.
func UserFromDocument(doc docstore.Document) User {
	return User{
		ID:       doc.ID,
		Name:     doc.Fields.String(FieldName),
		Email:    doc.Fields.String(FieldEmail),
		PhotoURL: doc.Fields.String(FieldPhoto),
	}
}

// ProjectFromDocument decodes a project document. Missing members decode as an
// empty list, repeated member IDs keep their first occurrence and a missing
// createdAt falls back to the start date.
func ProjectFromDocument(doc docstore.Document) Project {
	f := doc.Fields
	p := Project{
		ID:              doc.ID,
		Name:            f.String(FieldProjectName),
		Description:     f.String(FieldDescription),
		Priority:        Priority(f.String(FieldPriority)),
		CreatorID:       f.String(FieldCreatorID),
		AssignedMembers: uniqueIDs(f.Strings(FieldMembers)),
	}
	p.StartDate, _ = f.Time(FieldStartDate)
	p.EndDate, _ = f.Time(FieldEndDate)
	created, ok := f.Time(FieldCreatedAt)
	if !ok {
		created = p.StartDate
	}
	p.CreatedAt = created
	return p
}

// TaskFromDocument decodes a task document. A missing createdAt becomes now and
// a missing isChecked becomes false.
func TaskFromDocument(doc docstore.Document, now time.Time) Task {
	f := doc.Fields
	t := Task{
		ID:        doc.ID,
		Details:   f.String(FieldTaskDetails),
		ProjectID: f.String(FieldProjectID),
	}
	t.Checked, _ = f.Bool(FieldIsChecked)
	if d, ok := f.Time(FieldDeadline); ok {
		t.Deadline = &d
	}
	created, ok := f.Time(FieldCreatedAt)
	if !ok {
		created = now
	}
	t.CreatedAt = created
	return t
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

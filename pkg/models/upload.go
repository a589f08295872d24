package models

// UploadedFile carries the declared attributes and content of one uploaded
// file as seen by the upload validator.
type UploadedFile struct {
	Name      string
	Size      int64
	Extension string
	MIMEType  string
	Content   []byte
}

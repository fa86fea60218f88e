package store

// SetAttachmentURL records the remote URL of an uploaded attachment.
func (db *DB) SetAttachmentURL(attachmentID, url string) error {
	return setAttachmentURL(db.DB, attachmentID, url)
}

// SetAttachmentURL is the transactional form used by the upload rewrite.
func (tx *Tx) SetAttachmentURL(attachmentID, url string) error {
	return setAttachmentURL(tx.tx, attachmentID, url)
}

func setAttachmentURL(r runner, attachmentID, url string) error {
	_, err := r.Exec(`UPDATE attachments SET file_url = ? WHERE id = ?`, url, attachmentID)
	return err
}

// DeleteAttachment drops an attachment whose upload failed.
func (tx *Tx) DeleteAttachment(attachmentID string) error {
	_, err := tx.tx.Exec(`DELETE FROM attachments WHERE id = ?`, attachmentID)
	return err
}

// FinishUpload marks a file message as ready to send, replacing its body
// with the final text built from the uploaded URLs.
func (db *DB) FinishUpload(messageID, body string) error {
	return finishUpload(db.DB, messageID, body)
}

// FinishUpload is the transactional form used by the upload rewrite.
func (tx *Tx) FinishUpload(messageID, body string) error {
	return finishUpload(tx.tx, messageID, body)
}

func finishUpload(r runner, messageID, body string) error {
	_, err := r.Exec(`
		UPDATE messages SET body = ?, in_progress = 0 WHERE id = ?`, body, messageID)
	return err
}

package pipeline

import (
	"fmt"
	"path"
	"strings"
)

// Artifact keys are derived only from the message id and a stage tag so a
// re-delivered stage overwrites its previous output.

func RawContentKey(messageID string) string {
	return "incoming/" + messageID
}

func MetadataKey(messageID string) string {
	return fmt.Sprintf("metadata/%s.json", messageID)
}

func ExtractedTextKey(messageID string) string {
	return fmt.Sprintf("extracted/%s.txt", messageID)
}

func EntitiesKey(messageID string) string {
	return fmt.Sprintf("comprehend/%s.json", messageID)
}

func StructuredKey(messageID string) string {
	return fmt.Sprintf("structured/%s.json", messageID)
}

// AttachmentKey places an attachment under its message. Directory components
// in the filename are dropped.
func AttachmentKey(messageID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = "attachment"
	}
	return fmt.Sprintf("attachments/%s/%s", messageID, name)
}

package protocol

import "bytes"

type mimeEntry struct {
	ext  []byte
	name []byte
}

// static builtin mime types, order matters: first suffix match wins
var mimeTypes = [...]mimeEntry{
	{[]byte(".html"), []byte("text/html")},
	{[]byte(".htm"), []byte("text/html")},
	{[]byte(".shtm"), []byte("text/html")},
	{[]byte(".shtml"), []byte("text/html")},
	{[]byte(".css"), []byte("text/css")},
	{[]byte(".js"), []byte("application/javascript")},
	{[]byte(".ico"), []byte("image/x-icon")},
	{[]byte(".gif"), []byte("image/gif")},
	{[]byte(".jpg"), []byte("image/jpeg")},
	{[]byte(".jpeg"), []byte("image/jpeg")},
	{[]byte(".png"), []byte("image/png")},
	{[]byte(".svg"), []byte("image/svg+xml")},
	{[]byte(".txt"), []byte("text/plain")},
	{[]byte(".torrent"), []byte("application/x-bittorrent")},
	{[]byte(".wav"), []byte("audio/x-wav")},
	{[]byte(".mp3"), []byte("audio/x-mp3")},
	{[]byte(".mid"), []byte("audio/mid")},
	{[]byte(".m3u"), []byte("audio/x-mpegurl")},
	{[]byte(".ogg"), []byte("application/ogg")},
	{[]byte(".ram"), []byte("audio/x-pn-realaudio")},
	{[]byte(".xml"), []byte("text/xml")},
	{[]byte(".json"), []byte("application/json")},
	{[]byte(".xslt"), []byte("application/xml")},
	{[]byte(".xsl"), []byte("application/xml")},
	{[]byte(".ra"), []byte("audio/x-pn-realaudio")},
	{[]byte(".doc"), []byte("application/msword")},
	{[]byte(".exe"), []byte("application/octet-stream")},
	{[]byte(".zip"), []byte("application/x-zip-compressed")},
	{[]byte(".xls"), []byte("application/excel")},
	{[]byte(".tgz"), []byte("application/x-tar-gz")},
	{[]byte(".tar"), []byte("application/x-tar")},
	{[]byte(".gz"), []byte("application/x-gunzip")},
	{[]byte(".arj"), []byte("application/x-arj-compressed")},
	{[]byte(".rar"), []byte("application/x-rar-compressed")},
	{[]byte(".rtf"), []byte("application/rtf")},
	{[]byte(".pdf"), []byte("application/pdf")},
	{[]byte(".swf"), []byte("application/x-shockwave-flash")},
	{[]byte(".mpg"), []byte("video/mpeg")},
	{[]byte(".webm"), []byte("video/webm")},
	{[]byte(".mpeg"), []byte("video/mpeg")},
	{[]byte(".mov"), []byte("video/quicktime")},
	{[]byte(".mp4"), []byte("video/mp4")},
	{[]byte(".m4v"), []byte("video/x-m4v")},
	{[]byte(".asf"), []byte("video/x-ms-asf")},
	{[]byte(".avi"), []byte("video/x-msvideo")},
	{[]byte(".bmp"), []byte("image/bmp")},
	{[]byte(".ttf"), []byte("application/x-font-ttf")},
}

var defaultMime = []byte("text/html")

// content type by file extension, case-insensitive
func MimeType(path []byte) []byte {
	for i := range mimeTypes {
		ext := mimeTypes[i].ext
		if len(path) >= len(ext) && bytes.EqualFold(path[len(path)-len(ext):], ext) {
			return mimeTypes[i].name
		}
	}
	return defaultMime
}

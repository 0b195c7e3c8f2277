package graphstore

import "bytes"

// Key layout. Every key of one snapshot lives under "s/<id>/" so that
// DeleteSnapshot is a single prefix drop. Composite fields inside a key
// are NUL-separated; NUL cannot occur in function names, file paths, or
// fuzzer names.
//
//	s/<id>/meta                                      Snapshot node
//	s/<id>/f/<name>·<path>                           Function metadata
//	s/<id>/b/<name>·<path>                           Function body, framed
//	s/<id>/x/<name>                                  External marker
//	s/<id>/z/<fuzzer>                                Fuzzer record
//	s/<id>/y/<fuzzer>·<path>                         Fuzzer file source, framed
//	s/<id>/c/<caller·cpath·callee·tpath·type>        CALLS edge, caller-major
//	s/<id>/r/<callee·tpath·caller·cpath·type>        CALLS edge, callee-major
//	s/<id>/h/<fuzzer>·<name>·<path>                  REACHES edge
//	s/<id>/p/<path>·<name>                           By-file function index
const (
	kindFunction = 'f'
	kindBody     = 'b'
	kindExternal = 'x'
	kindFuzzer   = 'z'
	kindSource   = 'y'
	kindCalls    = 'c'
	kindRevCalls = 'r'
	kindReaches  = 'h'
	kindByFile   = 'p'
)

// keySep separates composite fields within a key.
const keySep = 0x00

// snapRoot is the keyspace region holding all snapshot graphs. Snapshot
// ids never contain '/', so the id is recoverable from any key.
const snapRoot = "s/"

// snapPrefix returns the prefix covering every key of one snapshot.
func snapPrefix(id string) []byte {
	return []byte(snapRoot + id + "/")
}

// metaKey returns the key of the Snapshot node.
func metaKey(id string) []byte {
	return append(snapPrefix(id), "meta"...)
}

// joinKey builds "s/<id>/<kind>/" followed by NUL-separated fields.
func joinKey(id string, kind byte, fields ...string) []byte {
	size := len(id) + 5
	for _, field := range fields {
		size += len(field) + 1
	}

	buf := make([]byte, 0, size)
	buf = append(buf, "s/"...)
	buf = append(buf, id...)
	buf = append(buf, '/', kind, '/')

	for idx, field := range fields {
		if idx > 0 {
			buf = append(buf, keySep)
		}

		buf = append(buf, field...)
	}

	return buf
}

// joinPrefix builds a scan prefix covering all keys whose leading
// fields match; the trailing separator keeps "foo" from matching
// "foobar".
func joinPrefix(id string, kind byte, fields ...string) []byte {
	return append(joinKey(id, kind, fields...), keySep)
}

// kindPrefix returns the scan prefix covering every key of one kind.
func kindPrefix(id string, kind byte) []byte {
	return joinKey(id, kind)
}

// keyFields strips prefix from key and splits the remainder on the
// field separator. The returned strings are copies and safe to retain.
func keyFields(key, prefix []byte) []string {
	rest := key[len(prefix):]
	parts := bytes.Split(rest, []byte{keySep})

	fields := make([]string, len(parts))
	for idx, part := range parts {
		fields[idx] = string(part)
	}

	return fields
}

func funcKey(id string, k FunctionKey) []byte {
	return joinKey(id, kindFunction, k.Name, k.FilePath)
}

func funcNamePrefix(id, name string) []byte {
	return joinPrefix(id, kindFunction, name)
}

func bodyKey(id string, k FunctionKey) []byte {
	return joinKey(id, kindBody, k.Name, k.FilePath)
}

func externalKey(id, name string) []byte {
	return joinKey(id, kindExternal, name)
}

func fuzzerKey(id, name string) []byte {
	return joinKey(id, kindFuzzer, name)
}

func fuzzerSourceKey(id, fuzzer, path string) []byte {
	return joinKey(id, kindSource, fuzzer, path)
}

func fuzzerSourcePrefix(id, fuzzer string) []byte {
	return joinPrefix(id, kindSource, fuzzer)
}

func callKey(id string, caller, callee FunctionKey, callType string) []byte {
	return joinKey(id, kindCalls, caller.Name, caller.FilePath, callee.Name, callee.FilePath, callType)
}

func callOutPrefix(id string, caller FunctionKey) []byte {
	return joinPrefix(id, kindCalls, caller.Name, caller.FilePath)
}

func revCallKey(id string, callee, caller FunctionKey, callType string) []byte {
	return joinKey(id, kindRevCalls, callee.Name, callee.FilePath, caller.Name, caller.FilePath, callType)
}

func revCallPrefix(id string, callee FunctionKey) []byte {
	return joinPrefix(id, kindRevCalls, callee.Name, callee.FilePath)
}

func reachKey(id, fuzzer string, k FunctionKey) []byte {
	return joinKey(id, kindReaches, fuzzer, k.Name, k.FilePath)
}

func reachFuzzerPrefix(id, fuzzer string) []byte {
	return joinPrefix(id, kindReaches, fuzzer)
}

func fileKey(id, path, name string) []byte {
	return joinKey(id, kindByFile, path, name)
}

func filePrefix(id, path string) []byte {
	return joinPrefix(id, kindByFile, path)
}

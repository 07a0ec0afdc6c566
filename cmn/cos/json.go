// Package cos holds small utilities shared by every package in the
// module: the JSON codec, checksum type, and a handful of filesystem
// helpers.
package cos

import jsoniter "github.com/json-iterator/go"

// JSON is the module-wide codec. Every on-disk/on-wire struct
// (VolumeConfig, SnapshotPersistor, FOC registration payloads) is
// (de)serialized through it rather than encoding/json directly, so a
// single place controls number/float handling and map-key ordering.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

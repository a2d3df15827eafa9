// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package pdu

import "bytes"

// ParseKeyValues parses the NUL separated Key=Value pairs of a text or login data segment.
func ParseKeyValues(data []byte) map[string]string {
	result := make(map[string]string)
	splitData := bytes.Split(data, []byte{0})
	for _, keyValuePair := range splitData {
		keyValue := bytes.SplitN(keyValuePair, []byte("="), 2)
		if len(keyValue) != 2 || len(keyValue[0]) == 0 {
			continue
		}
		result[string(keyValue[0])] = string(keyValue[1])
	}
	return result
}

type KeyValue struct {
	Key   string
	Value string
}

func (keyValue KeyValue) toByte() []byte {
	return []byte(keyValue.Key + "=" + keyValue.Value)
}

type KeyValueList struct {
	list []KeyValue
}

func NewKeyValueList() *KeyValueList {
	return &KeyValueList{list: []KeyValue{}}
}

func (kVList *KeyValueList) Add(key, value string) *KeyValueList {
	kVList.list = append(kVList.list, KeyValue{
		Key:   key,
		Value: value,
	})
	return kVList
}

func (kVList KeyValueList) Length() int {
	return len(kVList.list)
}

// Bytes encodes the list as NUL terminated Key=Value pairs.
func (kVList KeyValueList) Bytes() []byte {
	var buffer bytes.Buffer
	for _, keyValue := range kVList.list {
		buffer.Write(keyValue.toByte())
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

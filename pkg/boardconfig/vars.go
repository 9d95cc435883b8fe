/*
 * Copyright 2024 Hewlett Packard Enterprise Development LP
 * Other additional copyright holders may be indicated within.
 *
 * The entirety of this work is licensed under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 *
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package boardconfig

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// VarHandler substitutes $NAME variables in a board description before it
// is parsed.
type VarHandler struct {
	VarMap map[string]string
}

func NewVarHandler(vars map[string]string) *VarHandler {
	v := &VarHandler{VarMap: map[string]string{}}
	for name, value := range vars {
		v.AddVar(name, value)
	}
	return v
}

// AddVar sets a variable. The leading '$' is optional.
func (v *VarHandler) AddVar(name string, value string) {
	if !strings.HasPrefix(name, "$") {
		name = "$" + name
	}
	v.VarMap[name] = value
}

// AddEnv adds every environment variable starting with prefix, with the
// prefix stripped: VME_SLOT=3 and prefix "VME_" give $SLOT.
func (v *VarHandler) AddEnv(prefix string) {
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		v.AddVar(strings.TrimPrefix(name, prefix), value)
	}
}

// ListToVars splits the value of one of its variables, and creates a new
// indexed variable for each of the items in the split.
func (v *VarHandler) ListToVars(listVarName, newVarPrefix string) error {
	theList, ok := v.VarMap[listVarName]
	if !ok {
		return fmt.Errorf("Unable to find the variable named %s", listVarName)
	}

	for i, val := range strings.Fields(theList) {
		v.VarMap[fmt.Sprintf("%s%d", newVarPrefix, i+1)] = val
	}
	return nil
}

// ReplaceAll substitutes every known variable in s. Longer names are
// replaced first so $BUS10 is not read as $BUS1 followed by "0".
func (v *VarHandler) ReplaceAll(s string) string {
	names := make([]string, 0, len(v.VarMap))
	for name := range v.VarMap {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		s = strings.ReplaceAll(s, name, v.VarMap[name])
	}
	return s
}
